package imageutil

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/phuslu/log"
	"golang.org/x/image/draw"

	"github.com/knights-analytics/sdturbo/backends"
	"github.com/knights-analytics/sdturbo/util/fileutil"
)

// TensorToRGBA converts an NCHW float tensor of shape [1, 3, H, W] with values in [0, 1] to an opaque RGBA image.
func TensorToRGBA(tensor *backends.Tensor) (*image.RGBA, error) {
	if tensor == nil || tensor.Released() {
		return nil, fmt.Errorf("tensor is not available")
	}
	if tensor.DataType != backends.Float32 {
		return nil, fmt.Errorf("tensor %s: expected float32 pixels, got %s", tensor.Name, tensor.DataType)
	}
	shape := tensor.Shape
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 3 {
		return nil, fmt.Errorf("tensor %s: expected shape [1 3 H W], got %s", tensor.Name, shape)
	}
	height, width := int(shape[2]), int(shape[3])
	plane := height * width
	if len(tensor.Float32) != 3*plane {
		return nil, fmt.Errorf("tensor %s: %d values do not fill shape %s", tensor.Name, len(tensor.Float32), shape)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	pixels := tensor.Float32
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(pixels[i]),
				G: toByte(pixels[plane+i]),
				B: toByte(pixels[2*plane+i]),
				A: 255,
			})
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	switch {
	case math.IsNaN(float64(v)) || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}

func EncodePNG(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PostprocessStep transforms an image before it is written.
type PostprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

type ResizePostprocessor struct {
	targetSize int
}

// ResizeStep scales the image so that its shorter side is targetSize pixels.
func ResizeStep(targetSize int) *ResizePostprocessor {
	return &ResizePostprocessor{targetSize: targetSize}
}

func (s *ResizePostprocessor) Apply(img image.Image) (image.Image, error) {
	if s.targetSize <= 0 {
		return nil, fmt.Errorf("resize target must be positive, got %d", s.targetSize)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	var newW, newH int
	if w < h {
		newW = s.targetSize
		newH = int(float32(h) * float32(s.targetSize) / float32(w))
	} else {
		newH = s.targetSize
		newW = int(float32(w) * float32(s.targetSize) / float32(h))
	}
	return resizeImage(img, newW, newH), nil
}

// resizeImage scales img to newW x newH with bilinear filtering.
func resizeImage(img image.Image, newW, newH int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// PNGSink writes each image to <Dir>/<Prefix>-<slot>.png. Dir may be a local path or an s3:// URL.
type PNGSink struct {
	Dir    string
	Prefix string
	Steps  []PostprocessStep
}

func NewPNGSink(dir, prefix string, steps ...PostprocessStep) *PNGSink {
	if prefix == "" {
		prefix = "image"
	}
	return &PNGSink{Dir: dir, Prefix: prefix, Steps: steps}
}

// Path is where the image for slot is written.
func (s *PNGSink) Path(slot int) string {
	return fileutil.PathJoinSafe(s.Dir, fmt.Sprintf("%s-%d.png", s.Prefix, slot))
}

func (s *PNGSink) Draw(ctx context.Context, tensor *backends.Tensor, slot int) error {
	rgba, err := TensorToRGBA(tensor)
	if err != nil {
		return err
	}
	var img image.Image = rgba
	for _, step := range s.Steps {
		if img, err = step.Apply(img); err != nil {
			return err
		}
	}
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	if err = fileutil.CreateDir(ctx, s.Dir); err != nil {
		return err
	}
	path := s.Path(slot)
	if err = fileutil.WriteFileBytes(ctx, path, data, "image/png"); err != nil {
		return err
	}
	log.Debug().Str("path", path).Int("slot", slot).Msg("image written")
	return nil
}
