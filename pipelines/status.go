package pipelines

import "github.com/phuslu/log"

type StatusCode string

const (
	StatusDownload         StatusCode = "download"
	StatusLoad             StatusCode = "load"
	StatusGenerate         StatusCode = "generate"
	StatusDone             StatusCode = "done"
	StatusErrorDownload    StatusCode = "error.download"
	StatusErrorLoad        StatusCode = "error.load"
	StatusErrorGenerate    StatusCode = "error.generate"
	StatusErrorUnsupported StatusCode = "error.unsupported"
)

func (c StatusCode) IsError() bool {
	switch c {
	case StatusErrorDownload, StatusErrorLoad, StatusErrorGenerate, StatusErrorUnsupported:
		return true
	}
	return false
}

// Status is a progress or failure notification for the host.
type Status struct {
	Code    StatusCode
	Message string
	Role    Role
	Err     error
}

// StatusFunc receives status notifications. It is called on the goroutine doing the work.
type StatusFunc func(Status)

// Emit logs the status and forwards it to fn, if set.
func Emit(fn StatusFunc, status Status) {
	if status.Code.IsError() {
		log.Error().Str("status", string(status.Code)).Str("role", string(status.Role)).Err(status.Err).Msg(status.Message)
	} else {
		log.Info().Str("status", string(status.Code)).Msg(status.Message)
	}
	if fn != nil {
		fn(status)
	}
}
