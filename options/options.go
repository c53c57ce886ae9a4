package options

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/knights-analytics/sdturbo/util/fileutil"
)

const (
	DefaultModelBaseURL   = "https://huggingface.co/schmuell/sd-turbo-ort-web/resolve/main"
	DefaultTokenizerURL   = "https://huggingface.co/Xenova/clip-vit-base-patch16/resolve/main/tokenizer.json"
	DefaultCacheNamespace = "sdturbo"
)

type Options struct {
	RuntimeOptions   any
	ORTOptions       *OrtOptions
	Destroy          func() error
	Backend          string
	ModelBaseURL     string
	TokenizerURL     string
	CacheDir         string
	CacheNamespace   string
	TokenizerRuntime string
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	memPattern := false
	cpuMemArena := false
	disablePrepacking := true
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:        &libraryDirDefault,
			LibraryPath:       &libraryPathDefault,
			MemPattern:        &memPattern,
			CPUMemArena:       &cpuMemArena,
			DisablePrepacking: &disablePrepacking,
		},
		ModelBaseURL:     DefaultModelBaseURL,
		TokenizerURL:     DefaultTokenizerURL,
		CacheDir:         defaultCacheDir(),
		CacheNamespace:   DefaultCacheNamespace,
		TokenizerRuntime: "RUST",
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return fileutil.PathJoinSafe(dir, "sdturbo")
	}
	return fileutil.PathJoinSafe(os.TempDir(), "sdturbo")
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	DisablePrepacking *bool
	CudaOptions       map[string]string
	CoreMLOptions     *uint32
	DirectMLOptions   *int
	TensorRTOptions   map[string]string
}

// HasGPUProvider reports whether any GPU execution provider has been selected.
func (o *OrtOptions) HasGPUProvider() bool {
	return o.CudaOptions != nil || o.CoreMLOptions != nil || o.DirectMLOptions != nil || o.TensorRTOptions != nil
}

// UsePlatformGPUProvider selects CoreML on macOS and CUDA everywhere else, unless a
// provider was already chosen.
func (o *OrtOptions) UsePlatformGPUProvider() {
	if o.HasGPUProvider() {
		return
	}
	switch runtime.GOOS {
	case "darwin":
		var flags uint32
		o.CoreMLOptions = &flags
	default:
		o.CudaOptions = map[string]string{}
	}
}

// GPUProviderName returns the name of the selected execution provider, or "" if none was selected.
func (o *OrtOptions) GPUProviderName() string {
	switch {
	case o.TensorRTOptions != nil:
		return "tensorrt"
	case o.CudaOptions != nil:
		return "cuda"
	case o.DirectMLOptions != nil:
		return "directml"
	case o.CoreMLOptions != nil:
		return "coreml"
	}
	return ""
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) Use this function to set the path to the directory holding
// "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll".
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		if !object.IsDir() {
			return fmt.Errorf("%s is not a directory", ortLibraryPath)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(context.Background(), ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU. Default is false:
// the three sessions are rebuilt with new shapes on every resolution change.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization. Default is false.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for ORT backend")
	}
}

// WithPrepacking (ORT only) Enable/Disable weight prepacking. Default is disabled.
func WithPrepacking(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			disable := !enable
			o.ORTOptions.DisablePrepacking = &disable
			return nil
		}
		return fmt.Errorf("WithPrepacking is only supported for ORT backend")
	}
}

// WithCuda (ORT only) Use the CUDA execution provider with the given provider options.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		if options == nil {
			options = map[string]string{}
		}
		o.ORTOptions.CudaOptions = options
		return nil
	}
}

// WithCoreML (ORT only) Use the CoreML execution provider with the given flags.
func WithCoreML(flags uint32) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CoreMLOptions = &flags
			return nil
		}
		return fmt.Errorf("WithCoreML is only supported for ORT backend")
	}
}

// WithDirectML (ORT only) Use the DirectML execution provider on the given device.
func WithDirectML(deviceID int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.DirectMLOptions = &deviceID
			return nil
		}
		return fmt.Errorf("WithDirectML is only supported for ORT backend")
	}
}

// WithTensorRT (ORT only) Use the TensorRT execution provider with the given provider options.
// The onnxruntime library must be built with TensorRT support.
func WithTensorRT(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTensorRT is only supported for ORT backend")
		}
		if options == nil {
			options = map[string]string{}
		}
		o.ORTOptions.TensorRTOptions = options
		return nil
	}
}

// WithExecutionProvider selects a GPU execution provider by name: cuda, tensorrt, directml or coreml.
func WithExecutionProvider(name string) WithOption {
	return func(o *Options) error {
		switch strings.ToLower(name) {
		case "cuda":
			return WithCuda(nil)(o)
		case "tensorrt":
			return WithTensorRT(nil)(o)
		case "directml", "dml":
			return WithDirectML(0)(o)
		case "coreml":
			return WithCoreML(0)(o)
		default:
			return fmt.Errorf("execution provider %q is not a supported GPU provider", name)
		}
	}
}

// WithModelBaseURL sets the base URL the three model files are fetched from.
func WithModelBaseURL(baseURL string) WithOption {
	return func(o *Options) error {
		if baseURL == "" {
			return fmt.Errorf("model base URL cannot be empty")
		}
		o.ModelBaseURL = strings.TrimSuffix(baseURL, "/")
		return nil
	}
}

// WithTokenizerURL sets the location of the tokenizer.json used to tokenize prompts.
func WithTokenizerURL(tokenizerURL string) WithOption {
	return func(o *Options) error {
		if tokenizerURL == "" {
			return fmt.Errorf("tokenizer URL cannot be empty")
		}
		o.TokenizerURL = tokenizerURL
		return nil
	}
}

// WithCacheDir sets the root folder of the durable model cache. Any afs URL is accepted.
func WithCacheDir(dir string) WithOption {
	return func(o *Options) error {
		if dir == "" {
			return fmt.Errorf("cache dir cannot be empty")
		}
		o.CacheDir = dir
		return nil
	}
}

// WithCacheNamespace sets the cache namespace. Default is "sdturbo".
func WithCacheNamespace(namespace string) WithOption {
	return func(o *Options) error {
		if namespace == "" || strings.ContainsAny(namespace, `/\`) {
			return fmt.Errorf("invalid cache namespace %q", namespace)
		}
		o.CacheNamespace = namespace
		return nil
	}
}

// WithGoTokenizer uses the pure Go tokenizer instead of the Rust one.
func WithGoTokenizer() WithOption {
	return func(o *Options) error {
		o.TokenizerRuntime = "GO"
		return nil
	}
}
