package producers

import (
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// LibraryPathEnv overrides the ONNX Runtime shared library location.
const LibraryPathEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// ErrRuntimeUnavailable is returned when the ONNX Runtime shared library cannot be found.
var ErrRuntimeUnavailable = errors.New("onnxruntime shared library not available")

// ONNXConfig describes a single-input, single-output head model.
type ONNXConfig struct {
	// ModelPath is the .onnx file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// InputName and OutputName are the graph tensor names.
	InputName  string `json:"input_name" yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
	// InputShape and OutputShape are fixed at session creation.
	InputShape  []int64 `json:"input_shape" yaml:"input_shape"`
	OutputShape []int64 `json:"output_shape" yaml:"output_shape"`
	// LibraryPath is the shared library; SharedLibraryPath() when empty.
	LibraryPath string `json:"library_path,omitempty" yaml:"library_path,omitempty"`
	// IntraOpThreads sets the per-node thread count; 0 keeps the runtime default.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
}

// Validate checks the configuration without touching the runtime.
func (c ONNXConfig) Validate() error {
	if c.ModelPath == "" {
		return errors.New("onnx: model_path is required")
	}
	if c.InputName == "" || c.OutputName == "" {
		return errors.New("onnx: input_name and output_name are required")
	}
	for name, shape := range map[string][]int64{"input_shape": c.InputShape, "output_shape": c.OutputShape} {
		if len(shape) < 3 {
			return errors.Errorf("onnx: %s %v needs batch, channel and spatial axes", name, shape)
		}
		for _, d := range shape {
			if d <= 0 {
				return errors.Errorf("onnx: %s %v must be fully static", name, shape)
			}
		}
	}
	if c.IntraOpThreads < 0 {
		return errors.Errorf("onnx: intra_op_threads must not be negative, got %d", c.IntraOpThreads)
	}
	return nil
}

// SharedLibraryPath returns the ONNX Runtime library for this platform, honouring
// LibraryPathEnv.
func SharedLibraryPath() string {
	if p := os.Getenv(LibraryPathEnv); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "../third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "../third_party/onnxruntime_arm64.so"
		}
		return "../third_party/onnxruntime.so"
	}
}

var runtimeMu sync.Mutex

// InitializeRuntime loads the shared library once per process.
func InitializeRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(ErrRuntimeUnavailable, "%s: %v", libPath, err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initializing onnxruntime environment")
	}
	return nil
}

// ONNX produces a head tensor with an ONNX Runtime session. Calls are serialised
// because the session's input and output tensors are reused.
type ONNX struct {
	mu       sync.Mutex
	cfg      ONNXConfig
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	outShape []int
	logger   *slog.Logger
}

// NewONNX creates the session and its bound tensors.
//
// Arguments:
//   - cfg: The model configuration.
//   - logger: Logger for session events; slog.Default() when nil.
//
// Returns:
//   - *ONNX: The producer; Close releases it.
//   - error: ErrRuntimeUnavailable when the library is missing, or a session error.
func NewONNX(cfg ONNXConfig, logger *slog.Logger) (*ONNX, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	libPath := cfg.LibraryPath
	if libPath == "" {
		libPath = SharedLibraryPath()
	}
	if err := InitializeRuntime(libPath); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			input.Destroy()
			output.Destroy()
			return nil, errors.Wrap(err, "setting intra-op threads")
		}
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "setting graph optimization level")
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(err, "creating session for %s", cfg.ModelPath)
	}

	outShape := make([]int, len(cfg.OutputShape))
	for i, d := range cfg.OutputShape {
		outShape[i] = int(d)
	}
	logger.Info("onnx producer ready",
		slog.String("model", cfg.ModelPath),
		slog.Any("input_shape", cfg.InputShape),
		slog.Any("output_shape", cfg.OutputShape),
	)
	return &ONNX{
		cfg:      cfg,
		session:  session,
		input:    input,
		output:   output,
		outShape: outShape,
		logger:   logger,
	}, nil
}

// Produce copies the input in, runs the session and copies the output out.
func (o *ONNX) Produce(input tensor.Tensor) (tensor.Tensor, error) {
	x, err := denseFloat32(input)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil, errors.New("onnx producer is closed")
	}
	dst := o.input.GetData()
	src := x.Data().([]float32)
	if len(src) != len(dst) {
		return nil, errors.Errorf("onnx input has %d values (shape %v), session expects %v", len(src), x.Shape(), o.cfg.InputShape)
	}
	copy(dst, src)

	if err := o.session.Run(); err != nil {
		return nil, errors.Wrap(err, "running onnx session")
	}

	data := append([]float32(nil), o.output.GetData()...)
	return tensor.New(tensor.WithShape(o.outShape...), tensor.WithBacking(data)), nil
}

// Close releases the session and its tensors.
func (o *ONNX) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.input != nil {
		o.input.Destroy()
		o.input = nil
	}
	if o.output != nil {
		o.output.Destroy()
		o.output = nil
	}
	if o.session != nil {
		o.session.Destroy()
		o.session = nil
	}
}
