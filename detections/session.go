package detections

import (
	"fmt"
	"runtime"

	"github.com/Tutortoise/object-detection-service/models"

	ort "github.com/yalue/onnxruntime_go"
)

// Session is one runnable copy of a model with preallocated tensors. A
// session is used by one caller at a time; the pool enforces that.
type Session interface {
	Input() []float32
	Output() []float32
	Run() error
	Destroy()
}

// SessionIO describes the tensors a model artifact exposes.
type SessionIO struct {
	InputName   string
	OutputName  string
	InputShape  ort.Shape
	OutputShape ort.Shape
}

// InspectModel reads tensor names and shapes from an artifact. Dynamic
// dimensions are filled from the square input size and the output layout.
func InspectModel(path string, inputSize, numClasses int, layout Layout) (SessionIO, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return SessionIO{}, fmt.Errorf("error reading model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return SessionIO{}, fmt.Errorf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}

	io := SessionIO{
		InputName:   inputs[0].Name,
		OutputName:  outputs[0].Name,
		InputShape:  ort.NewShape(1, 3, int64(inputSize), int64(inputSize)),
		OutputShape: outputs[0].Dimensions.Clone(),
	}

	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[2] > 0 && dims[3] > 0 {
		if dims[2] != dims[3] {
			return SessionIO{}, fmt.Errorf("non-square model input %v is not supported", dims)
		}
		io.InputShape = ort.NewShape(1, 3, dims[2], dims[3])
		inputSize = int(dims[2])
	}

	if len(io.OutputShape) != 3 {
		return SessionIO{}, fmt.Errorf("expected a 3-d output tensor, got %v", io.OutputShape)
	}
	io.OutputShape[0] = 1
	boxes := int64(layout.ExpectedBoxes(inputSize))
	attrs := int64(layout.attrsPerBox(numClasses))
	if layout == LayoutYOLOv8 {
		fillDim(io.OutputShape, 1, attrs)
		fillDim(io.OutputShape, 2, boxes)
	} else {
		fillDim(io.OutputShape, 1, boxes)
		fillDim(io.OutputShape, 2, attrs)
	}

	return io, nil
}

func fillDim(s ort.Shape, i int, v int64) {
	if s[i] <= 0 {
		s[i] = v
	}
}

// ModelSession is an onnxruntime session bound to its input and output tensors.
type ModelSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func NewModelSession(modelPath string, io SessionIO, device models.Device) (*ModelSession, error) {
	options, err := newSessionOptions(device)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	inputTensor, err := ort.NewEmptyTensor[float32](io.InputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](io.OutputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{io.InputName},
		[]string{io.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

func (m *ModelSession) Input() []float32  { return m.input.GetData() }
func (m *ModelSession) Output() []float32 { return m.output.GetData() }
func (m *ModelSession) Run() error        { return m.session.Run() }

func (m *ModelSession) Destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

func newSessionOptions(device models.Device) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}

	threads := runtime.NumCPU()
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(1)

	if device == models.DeviceCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("error creating CUDA provider options: %w", err)
		}
		defer cudaOptions.Destroy()

		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("error enabling CUDA execution provider: %w", err)
		}
	}

	return options, nil
}
