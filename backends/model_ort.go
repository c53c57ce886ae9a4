//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/sdturbo/options"
	"github.com/knights-analytics/sdturbo/util/safeconv"
)

// ORTRuntime compiles sessions with the session options shared by the whole pipeline.
type ORTRuntime struct {
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
}

func NewORTRuntime(opts *options.Options) (*ORTRuntime, error) {
	sessionOptions, ok := opts.RuntimeOptions.(*ort.SessionOptions)
	if !ok || sessionOptions == nil {
		return nil, errors.New("ORT session options have not been initialised")
	}
	return &ORTRuntime{SessionOptions: sessionOptions, Options: opts.ORTOptions}, nil
}

func (r *ORTRuntime) Name() string {
	return "ORT"
}

func (r *ORTRuntime) NewSession(spec ModelSpec, onnxBytes []byte) (ModelSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputNames := make([]string, len(inputs))
	outputNames := make([]string, len(outputs))
	for i, v := range inputs {
		inputNames[i] = v.Name
	}
	for i, v := range outputs {
		outputNames[i] = v.Name
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		inputNames,
		outputNames,
		r.SessionOptions,
	)
	if err != nil {
		return nil, err
	}
	return &ortSession{
		session:     session,
		inputs:      inputs,
		outputs:     outputs,
		inputsMeta:  convertORTInputOutputs(inputs),
		outputsMeta: convertORTInputOutputs(outputs),
	}, nil
}

type ortSession struct {
	session     *ort.DynamicAdvancedSession
	inputs      []ort.InputOutputInfo
	outputs     []ort.InputOutputInfo
	inputsMeta  []InputOutputInfo
	outputsMeta []InputOutputInfo
}

func (s *ortSession) InputsMeta() []InputOutputInfo {
	return s.inputsMeta
}

func (s *ortSession) OutputsMeta() []InputOutputInfo {
	return s.outputsMeta
}

func (s *ortSession) Destroy() error {
	return s.session.Destroy()
}

// Run creates the ORT input values, runs the session and copies every output back to host tensors.
// All ORT values created here are destroyed before returning, on every path.
func (s *ortSession) Run(inputs map[string]*Tensor) (outputs map[string]*Tensor, err error) {
	inputValues := make([]ort.Value, len(s.inputs))
	outputValues := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range inputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
		for _, v := range outputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
		if err != nil {
			outputs = nil
		}
	}()

	for i, meta := range s.inputs {
		t, ok := inputs[meta.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", meta.Name)
		}
		value, valueErr := createORTValue(t, meta.DataType)
		if valueErr != nil {
			return nil, fmt.Errorf("input %q: %w", meta.Name, valueErr)
		}
		inputValues[i] = value
	}

	// nil outputs are allocated by onnxruntime
	if err = s.session.Run(inputValues, outputValues); err != nil {
		return nil, err
	}

	outputs = make(map[string]*Tensor, len(outputValues))
	for i, value := range outputValues {
		t, convErr := convertORTValue(s.outputs[i].Name, value, s.outputs[i].DataType)
		if convErr != nil {
			return nil, convErr
		}
		outputs[t.Name] = t
	}
	return outputs, nil
}

func createORTValue(t *Tensor, declared ort.TensorElementDataType) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch declared {
	case ort.TensorElementDataTypeFloat:
		if t.DataType != Float32 {
			return nil, fmt.Errorf("model expects float32, got %s", t.DataType)
		}
		return ort.NewTensor(shape, t.Float32)
	case ort.TensorElementDataTypeFloat16:
		if t.DataType != Float32 {
			return nil, fmt.Errorf("model expects float16, got %s", t.DataType)
		}
		return ort.NewCustomDataTensor(shape, Float32ToFloat16Bytes(t.Float32), ort.TensorElementDataTypeFloat16)
	case ort.TensorElementDataTypeInt32:
		if t.DataType != Int32 {
			return nil, fmt.Errorf("model expects int32, got %s", t.DataType)
		}
		return ort.NewTensor(shape, t.Int32)
	case ort.TensorElementDataTypeInt64:
		switch t.DataType {
		case Int64:
			return ort.NewTensor(shape, t.Int64)
		case Int32:
			return ort.NewTensor(shape, safeconv.Int32SliceToInt64Slice(t.Int32))
		}
		return nil, fmt.Errorf("model expects int64, got %s", t.DataType)
	default:
		return nil, fmt.Errorf("unsupported element type %v", declared)
	}
}

func convertORTValue(name string, value ort.Value, declared ort.TensorElementDataType) (*Tensor, error) {
	switch v := value.(type) {
	case *ort.Tensor[float32]:
		data := make([]float32, len(v.GetData()))
		copy(data, v.GetData())
		return &Tensor{Name: name, Shape: Shape(v.GetShape()), DataType: Float32, Float32: data}, nil
	case *ort.Tensor[int64]:
		data := make([]int64, len(v.GetData()))
		copy(data, v.GetData())
		return &Tensor{Name: name, Shape: Shape(v.GetShape()), DataType: Int64, Int64: data}, nil
	case *ort.Tensor[int32]:
		data := make([]int32, len(v.GetData()))
		copy(data, v.GetData())
		return &Tensor{Name: name, Shape: Shape(v.GetShape()), DataType: Int32, Int32: data}, nil
	case *ort.CustomDataTensor:
		if declared != ort.TensorElementDataTypeFloat16 {
			return nil, fmt.Errorf("output %q has unsupported element type %v", name, declared)
		}
		data, err := Float16BytesToFloat32(v.GetData())
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		return &Tensor{Name: name, Shape: Shape(v.GetShape()), DataType: Float32, Float32: data}, nil
	default:
		return nil, fmt.Errorf("output %q has unsupported value type %T", name, value)
	}
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:        inputOutput.Name,
			Dimensions:  Shape(inputOutput.Dimensions),
			ElementType: elementTypeName(inputOutput.DataType),
		}
	}
	return inputOutputsStandardised
}

func elementTypeName(t ort.TensorElementDataType) string {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return "float32"
	case ort.TensorElementDataTypeFloat16:
		return "float16"
	case ort.TensorElementDataTypeInt32:
		return "int32"
	case ort.TensorElementDataTypeInt64:
		return "int64"
	}
	return fmt.Sprintf("%v", t)
}
