package backends

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	inputs    []InputOutputInfo
	outputs   []InputOutputInfo
	destroyed int
	run       func(map[string]*Tensor) (map[string]*Tensor, error)
}

func (s *stubSession) Run(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	return s.run(inputs)
}
func (s *stubSession) InputsMeta() []InputOutputInfo  { return s.inputs }
func (s *stubSession) OutputsMeta() []InputOutputInfo { return s.outputs }
func (s *stubSession) Destroy() error {
	s.destroyed++
	return nil
}

type stubRuntime struct {
	session *stubSession
	err     error
}

func (r *stubRuntime) Name() string { return "STUB" }
func (r *stubRuntime) NewSession(_ ModelSpec, _ []byte) (ModelSession, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.session, nil
}

func TestTensorRelease(t *testing.T) {
	tracker := NewTensorTracker()
	tensor, err := tracker.NewFloat32("latent", NewShape(1, 4, 2, 2), make([]float32, 16))
	require.NoError(t, err)
	assert.Equal(t, int64(1), tracker.Live())
	assert.Equal(t, 16, tensor.Len())

	require.NoError(t, tensor.Release())
	assert.True(t, tensor.Released())
	assert.Nil(t, tensor.Float32)
	assert.Equal(t, int64(0), tracker.Live())

	err = tensor.Release()
	assert.ErrorIs(t, err, ErrTensorReleased)
	assert.Equal(t, int64(0), tracker.Live())
	assert.Equal(t, uint64(1), tracker.Allocated())
}

func TestTensorShapeMismatch(t *testing.T) {
	tracker := NewTensorTracker()
	_, err := tracker.NewInt64("timestep", NewShape(2), []int64{999})
	assert.Error(t, err)
	assert.Equal(t, int64(0), tracker.Live())
}

func TestNilTrackerCreatesUntrackedTensors(t *testing.T) {
	var tracker *TensorTracker
	tensor, err := tracker.NewInt32("input_ids", NewShape(1, 2), []int32{1, 2})
	require.NoError(t, err)
	assert.NoError(t, tensor.Release())
	assert.Equal(t, int64(0), tracker.Live())
}

func TestReleaseAll(t *testing.T) {
	tracker := NewTensorTracker()
	a, _ := tracker.NewFloat32("a", NewShape(1), []float32{1})
	b, _ := tracker.NewFloat32("b", NewShape(1), []float32{2})
	require.NoError(t, b.Release())
	assert.NoError(t, ReleaseAll(a, b, nil))
	assert.Equal(t, int64(0), tracker.Live())
}

func TestShapeCompatible(t *testing.T) {
	assert.True(t, NewShape(-1, 4, 64, 64).Compatible(NewShape(1, 4, 64, 64)))
	assert.False(t, NewShape(1, 4, 64, 64).Compatible(NewShape(1, 4, 96, 64)))
	assert.False(t, NewShape(1, 77).Compatible(NewShape(1, 77, 1024)))
	assert.Equal(t, -1, NewShape(1, -1).Elements())
	assert.True(t, NewShape(1, 2).Equal(NewShape(1, 2)))
}

func TestLoadModelValidatesBoundShapes(t *testing.T) {
	session := &stubSession{
		inputs: []InputOutputInfo{{Name: "latent_sample", Dimensions: NewShape(-1, 4, -1, -1)}},
	}
	spec := ModelSpec{Name: "decoder", InputShapes: map[string]Shape{"latent_sample": NewShape(1, 4, 64, 64)}}
	model, err := LoadModel(&stubRuntime{session: session}, spec, []byte("onnx"))
	require.NoError(t, err)
	assert.Equal(t, "decoder:STUB", model.ID)

	badSpec := ModelSpec{Name: "decoder", InputShapes: map[string]Shape{"latent_sample": NewShape(1, 3, 64, 64)}}
	session.inputs[0].Dimensions = NewShape(1, 4, -1, -1)
	_, err = LoadModel(&stubRuntime{session: session}, badSpec, []byte("onnx"))
	assert.Error(t, err)
	assert.Equal(t, 1, session.destroyed)

	missing := ModelSpec{Name: "decoder", InputShapes: map[string]Shape{"sample": NewShape(1)}}
	_, err = LoadModel(&stubRuntime{session: session}, missing, []byte("onnx"))
	assert.Error(t, err)

	_, err = LoadModel(&stubRuntime{err: errors.New("compile failed")}, spec, []byte("onnx"))
	assert.ErrorContains(t, err, "compile failed")

	_, err = LoadModel(&stubRuntime{session: session}, spec, nil)
	assert.Error(t, err)
}

func TestModelRunTracksOutputs(t *testing.T) {
	session := &stubSession{
		inputs: []InputOutputInfo{{Name: "x", Dimensions: NewShape(1)}},
		run: func(inputs map[string]*Tensor) (map[string]*Tensor, error) {
			return map[string]*Tensor{"y": {Name: "y", Shape: NewShape(1), DataType: Float32, Float32: []float32{inputs["x"].Float32[0] * 2}}}, nil
		},
	}
	spec := ModelSpec{Name: "double", InputShapes: map[string]Shape{"x": NewShape(1)}}
	model, err := LoadModel(&stubRuntime{session: session}, spec, []byte("onnx"))
	require.NoError(t, err)

	tracker := NewTensorTracker()
	x, _ := tracker.NewFloat32("x", NewShape(1), []float32{3})
	outputs, err := model.Run(tracker, map[string]*Tensor{"x": x})
	require.NoError(t, err)
	assert.Equal(t, float32(6), outputs["y"].Float32[0])
	assert.Equal(t, int64(2), tracker.Live())
	assert.Equal(t, uint64(1), model.Timings.Calls())
	assert.NoError(t, ReleaseAll(x, outputs["y"]))

	wrong, _ := tracker.NewFloat32("x", NewShape(2), []float32{1, 2})
	_, err = model.Run(tracker, map[string]*Tensor{"x": wrong})
	assert.Error(t, err)
	assert.NoError(t, wrong.Release())

	assert.NoError(t, model.Destroy())
	assert.NoError(t, model.Destroy())
	assert.Equal(t, 1, session.destroyed)
}

func TestFloat16RoundTrip(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.18215, 14.6146}
	packed := Float32ToFloat16Bytes(values)
	assert.Len(t, packed, 10)
	unpacked, err := Float16BytesToFloat32(packed)
	require.NoError(t, err)
	for i := range values {
		assert.InDelta(t, values[i], unpacked[i], math.Abs(float64(values[i]))*1e-3+1e-6)
	}
	_, err = Float16BytesToFloat32([]byte{1})
	assert.Error(t, err)
}

func TestPadAndTruncate(t *testing.T) {
	padded := PadAndTruncate([]int32{49406, 320, 2368, 49407}, MaxSequenceLength, PadTokenID)
	assert.Len(t, padded, 77)
	assert.Equal(t, []int32{49406, 320, 2368, 49407, 0}, padded[:5])
	assert.Equal(t, int32(0), padded[76])

	long := make([]int32, 100)
	for i := range long {
		long[i] = int32(i + 1)
	}
	truncated := PadAndTruncate(long, MaxSequenceLength, PadTokenID)
	assert.Len(t, truncated, 77)
	assert.Equal(t, int32(77), truncated[76])
}

func TestLoadTokenizerErrors(t *testing.T) {
	_, err := LoadTokenizer(nil, "GO")
	assert.Error(t, err)
	_, err = LoadTokenizer([]byte("{}"), "PYTHON")
	assert.Error(t, err)
}
