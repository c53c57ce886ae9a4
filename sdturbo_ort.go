//go:build cgo && (ORT || ALL)

package sdturbo

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/sdturbo/backends"
	"github.com/knights-analytics/sdturbo/options"
	"github.com/knights-analytics/sdturbo/util/fileutil"
)

var _ sessionTuner = (*ort.SessionOptions)(nil)

// NewORTSession creates a session that runs the three models with onnxruntime on the GPU.
// Only one ORT session can be active at a time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}

	if initialised, initErr := session.initialiseORT(); initErr != nil {
		if initialised {
			return nil, errors.Join(initErr, session.options.Destroy(), ort.DestroyEnvironment())
		}
		return nil, initErr
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}

	runtime, err := backends.NewORTRuntime(session.options)
	if err != nil {
		return nil, errors.Join(err, session.Destroy())
	}
	if err = session.wire(runtime, nil); err != nil {
		return nil, errors.Join(err, session.Destroy())
	}
	return session, nil
}

func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(context.Background(), *o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// shared by the three model sessions
	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	s.options.RuntimeOptions = sessionOptions
	s.options.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if err := applyLoadOptions(sessionOptions, o); err != nil {
		return true, err
	}

	// there is no CPU path: a GPU provider is always attached
	o.UsePlatformGPUProvider()
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return true, optErr
		}
		defer cudaOptions.Destroy()
		if len(o.CudaOptions) > 0 {
			if optErr = cudaOptions.Update(o.CudaOptions); optErr != nil {
				return true, optErr
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return true, err
		}
	}
	if o.CoreMLOptions != nil {
		if err := sessionOptions.AppendExecutionProviderCoreML(*o.CoreMLOptions); err != nil {
			return true, err
		}
	}
	if o.DirectMLOptions != nil {
		if err := sessionOptions.AppendExecutionProviderDirectML(*o.DirectMLOptions); err != nil {
			return true, err
		}
	}
	if o.TensorRTOptions != nil {
		tensorRTOptions, optErr := ort.NewTensorRTProviderOptions()
		if optErr != nil {
			return true, optErr
		}
		defer tensorRTOptions.Destroy()
		if len(o.TensorRTOptions) > 0 {
			if optErr = tensorRTOptions.Update(o.TensorRTOptions); optErr != nil {
				return true, optErr
			}
		}
		if err := sessionOptions.AppendExecutionProviderTensorRT(tensorRTOptions); err != nil {
			return true, err
		}
	}
	log.Info().Str("provider", o.GPUProviderName()).Msg("onnxruntime initialised")
	return true, nil
}
