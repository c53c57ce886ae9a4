//go:build !cgo

// Command sdturbo-gpu prints the GPU adapter report as json on stdout. Build it with
// CGO_ENABLED=0 and install it next to a cgo build of sdturbo, which runs it to find a GPU.
package main

import (
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/sdturbo/capability"
	"github.com/knights-analytics/sdturbo/util/checks"
)

func main() {
	out, err := jsoniter.Marshal(capability.NewReport(capability.NewHALProber().ProbeReport()))
	checks.CheckWithMessage(err, "encoding GPU report")
	_, err = os.Stdout.Write(append(out, '\n'))
	checks.CheckWithMessage(err, "writing GPU report")
}
