//go:build cgo

package main

import (
	"errors"

	"github.com/knights-analytics/sdturbo/util/checks"
)

func main() {
	checks.CheckWithMessage(errors.New("the wgpu HAL does not link with cgo"), "rebuild sdturbo-gpu with CGO_ENABLED=0")
}
