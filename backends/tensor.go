package backends

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrTensorReleased = errors.New("tensor has already been released")

type DataType int

const (
	Float32 DataType = iota
	Int32
	Int64
)

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Elements returns the number of elements of a fully bound shape, or -1 if any axis is free.
func (s Shape) Elements() int {
	n := 1
	for _, d := range s {
		if d < 0 {
			return -1
		}
		n *= int(d)
	}
	return n
}

// Compatible reports whether two shapes can describe the same tensor. Negative axes match anything.
func (s Shape) Compatible(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] >= 0 && other[i] >= 0 && s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Free axes are negative.
	Dimensions Shape
	// Element type as declared by the model, e.g. "float32" or "float16".
	ElementType string
}

// Tensor is a named, shaped host buffer passed between pipeline stages.
// Exactly one of Float32, Int32 or Int64 is set, according to DataType.
type Tensor struct {
	Name     string
	Shape    Shape
	DataType DataType
	Float32  []float32
	Int32    []int32
	Int64    []int64

	tracker  *TensorTracker
	released atomic.Bool
}

func (t *Tensor) Len() int {
	switch t.DataType {
	case Int32:
		return len(t.Int32)
	case Int64:
		return len(t.Int64)
	default:
		return len(t.Float32)
	}
}

// Release drops the tensor's buffer. A tensor must be released exactly once.
func (t *Tensor) Release() error {
	if t == nil {
		return nil
	}
	if !t.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", t.Name, ErrTensorReleased)
	}
	t.Float32, t.Int32, t.Int64 = nil, nil, nil
	if t.tracker != nil {
		t.tracker.live.Add(-1)
	}
	return nil
}

func (t *Tensor) Released() bool {
	return t.released.Load()
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s %s%s", t.Name, t.DataType, t.Shape)
}

// TensorTracker counts tensors that have been created but not yet released.
// A nil tracker creates untracked tensors.
type TensorTracker struct {
	live      atomic.Int64
	allocated atomic.Uint64
}

func NewTensorTracker() *TensorTracker {
	return &TensorTracker{}
}

// Live returns the number of tracked tensors not yet released.
func (tr *TensorTracker) Live() int64 {
	if tr == nil {
		return 0
	}
	return tr.live.Load()
}

// Allocated returns the number of tensors ever tracked.
func (tr *TensorTracker) Allocated() uint64 {
	if tr == nil {
		return 0
	}
	return tr.allocated.Load()
}

// Adopt starts tracking a tensor created elsewhere, e.g. a session output.
func (tr *TensorTracker) Adopt(t *Tensor) *Tensor {
	if tr == nil || t == nil || t.tracker != nil {
		return t
	}
	t.tracker = tr
	tr.live.Add(1)
	tr.allocated.Add(1)
	return t
}

func (tr *TensorTracker) NewFloat32(name string, shape Shape, data []float32) (*Tensor, error) {
	if err := checkLength(name, shape, len(data)); err != nil {
		return nil, err
	}
	return tr.Adopt(&Tensor{Name: name, Shape: shape, DataType: Float32, Float32: data}), nil
}

func (tr *TensorTracker) NewInt32(name string, shape Shape, data []int32) (*Tensor, error) {
	if err := checkLength(name, shape, len(data)); err != nil {
		return nil, err
	}
	return tr.Adopt(&Tensor{Name: name, Shape: shape, DataType: Int32, Int32: data}), nil
}

func (tr *TensorTracker) NewInt64(name string, shape Shape, data []int64) (*Tensor, error) {
	if err := checkLength(name, shape, len(data)); err != nil {
		return nil, err
	}
	return tr.Adopt(&Tensor{Name: name, Shape: shape, DataType: Int64, Int64: data}), nil
}

func checkLength(name string, shape Shape, n int) error {
	if expected := shape.Elements(); expected != n {
		return fmt.Errorf("tensor %s: shape %s needs %d elements, got %d", name, shape, expected, n)
	}
	return nil
}

// ReleaseAll releases every non-nil tensor and joins the errors.
func ReleaseAll(tensors ...*Tensor) error {
	var err error
	for _, t := range tensors {
		if t != nil && !t.Released() {
			err = errors.Join(err, t.Release())
		}
	}
	return err
}
