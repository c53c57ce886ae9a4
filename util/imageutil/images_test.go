package imageutil

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/sdturbo/backends"
)

// 2x2 image: red, green / blue, white
func testTensor(t *testing.T) *backends.Tensor {
	t.Helper()
	data := []float32{
		1, 0, 0, 1, // R
		0, 1, 0, 1, // G
		0, 0, 1, 1, // B
	}
	tensor, err := backends.NewTensorTracker().NewFloat32("sample", backends.NewShape(1, 3, 2, 2), data)
	require.NoError(t, err)
	return tensor
}

func TestTensorToRGBA(t *testing.T) {
	img, err := TensorToRGBA(testTensor(t))
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, []uint32{0xffff, 0, 0, 0xffff}, []uint32{r, g, b, a})
	r, g, b, _ = img.At(0, 1).RGBA()
	assert.Equal(t, []uint32{0, 0, 0xffff}, []uint32{r, g, b})
	r, g, b, _ = img.At(1, 1).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, b})
}

func TestTensorToRGBARejectsBadTensors(t *testing.T) {
	tracker := backends.NewTensorTracker()
	wrongShape, err := tracker.NewFloat32("latent", backends.NewShape(1, 4, 1, 1), make([]float32, 4))
	require.NoError(t, err)
	_, err = TensorToRGBA(wrongShape)
	assert.Error(t, err)

	released := testTensor(t)
	require.NoError(t, released.Release())
	_, err = TensorToRGBA(released)
	assert.Error(t, err)
}

func TestPNGSink(t *testing.T) {
	dir := t.TempDir()
	sink := NewPNGSink(dir, "", ResizeStep(4))
	require.NoError(t, sink.Draw(context.Background(), testTensor(t), 3))

	raw, err := os.ReadFile(sink.Path(3))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
	assert.Contains(t, sink.Path(3), "image-3.png")
}

func TestResizeStepScalesShorterSide(t *testing.T) {
	wide := image.NewRGBA(image.Rect(0, 0, 8, 4))
	resized, err := ResizeStep(2).Apply(wide)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), resized.Bounds())

	tall := image.NewRGBA(image.Rect(0, 0, 4, 8))
	resized, err = ResizeStep(8).Apply(tall)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 16), resized.Bounds())

	_, err = ResizeStep(0).Apply(tall)
	assert.Error(t, err)
}
