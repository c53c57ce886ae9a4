//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/sdturbo/options"
)

type ORTRuntime struct{}

func NewORTRuntime(_ *options.Options) (*ORTRuntime, error) {
	return nil, errors.New("ORT is not enabled")
}

func (r *ORTRuntime) Name() string {
	return "ORT"
}

func (r *ORTRuntime) NewSession(_ ModelSpec, _ []byte) (ModelSession, error) {
	return nil, errors.New("ORT is not enabled")
}
