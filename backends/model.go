package backends

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/sdturbo/util/safeconv"
)

// ModelSpec is what a runtime needs to compile one model: its name and the concrete
// shapes its inputs are bound to. Negative axes are left free.
type ModelSpec struct {
	Name               string
	InputShapes        map[string]Shape
	DimensionOverrides map[string]int64
}

// ModelSession is a compiled inference graph.
type ModelSession interface {
	Run(inputs map[string]*Tensor) (map[string]*Tensor, error)
	InputsMeta() []InputOutputInfo
	OutputsMeta() []InputOutputInfo
	Destroy() error
}

// Runtime compiles model bytes into sessions.
type Runtime interface {
	Name() string
	NewSession(spec ModelSpec, onnxBytes []byte) (ModelSession, error)
}

type Model struct {
	ID          string
	Spec        ModelSpec
	Session     ModelSession
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
	Timings     *Timings
	Destroy     func() error
}

// LoadModel compiles onnxBytes with runtime and checks the declared inputs against spec.InputShapes.
func LoadModel(runtime Runtime, spec ModelSpec, onnxBytes []byte) (*Model, error) {
	if len(onnxBytes) == 0 {
		return nil, fmt.Errorf("model %s: no onnx data", spec.Name)
	}
	session, err := runtime.NewSession(spec, onnxBytes)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", spec.Name, err)
	}
	model := &Model{
		ID:          spec.Name + ":" + runtime.Name(),
		Spec:        spec,
		Session:     session,
		InputsMeta:  session.InputsMeta(),
		OutputsMeta: session.OutputsMeta(),
		Timings:     &Timings{},
	}
	var destroyed atomic.Bool
	model.Destroy = func() error {
		if !destroyed.CompareAndSwap(false, true) {
			return nil
		}
		return session.Destroy()
	}
	if err = model.validate(); err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	return model, nil
}

func (m *Model) validate() error {
	var validationErrors []error
	for name, bound := range m.Spec.InputShapes {
		meta, ok := m.inputMeta(name)
		if !ok {
			validationErrors = append(validationErrors, fmt.Errorf("model %s has no input named %s", m.Spec.Name, name))
			continue
		}
		if len(meta.Dimensions) > 0 && !meta.Dimensions.Compatible(bound) {
			validationErrors = append(validationErrors, fmt.Errorf("model %s input %s declares shape %s, cannot bind %s",
				m.Spec.Name, name, meta.Dimensions, bound))
		}
	}
	return errors.Join(validationErrors...)
}

func (m *Model) inputMeta(name string) (InputOutputInfo, bool) {
	for _, meta := range m.InputsMeta {
		if meta.Name == name {
			return meta, true
		}
	}
	return InputOutputInfo{}, false
}

// Run executes the session. Inputs must match their bound shapes; outputs are tracked by tracker
// and owned by the caller.
func (m *Model) Run(tracker *TensorTracker, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	for name, t := range inputs {
		if t == nil || t.Released() {
			return nil, fmt.Errorf("model %s: input %s is not available", m.Spec.Name, name)
		}
		if bound, ok := m.Spec.InputShapes[name]; ok && !bound.Compatible(t.Shape) {
			return nil, fmt.Errorf("model %s: input %s has shape %s, bound to %s", m.Spec.Name, name, t.Shape, bound)
		}
	}
	start := time.Now()
	outputs, err := m.Session.Run(inputs)
	m.Timings.Record(start)
	if err != nil {
		return nil, err
	}
	for _, t := range outputs {
		tracker.Adopt(t)
	}
	return outputs, nil
}

// Timings accumulates call counts and durations.
type Timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *Timings) Record(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *Timings) Calls() uint64 {
	return atomic.LoadUint64(&t.NumCalls)
}

func (t *Timings) Total() time.Duration {
	return safeconv.U64ToDuration(atomic.LoadUint64(&t.TotalNS))
}

func (t *Timings) Average() time.Duration {
	return safeconv.AverageDuration(atomic.LoadUint64(&t.TotalNS), atomic.LoadUint64(&t.NumCalls))
}
