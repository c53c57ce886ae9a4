package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
)

// HelperName is the binary run by ProcessProber when no path is configured.
const HelperName = "sdturbo-gpu"

// HelperEnv overrides the path of the helper binary.
const HelperEnv = "SDTURBO_GPU_HELPER"

// ProcessProber reads the adapter report from a helper process built with CGO_ENABLED=0.
type ProcessProber struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// NewProcessProber returns a prober running path with args.
func NewProcessProber(path string, args ...string) *ProcessProber {
	return &ProcessProber{Path: path, Args: args, Timeout: 30 * time.Second}
}

// DefaultHelperPath resolves the helper binary: $SDTURBO_GPU_HELPER, then a sdturbo-gpu next
// to the running executable, then sdturbo-gpu on the PATH.
func DefaultHelperPath() string {
	if path := os.Getenv(HelperEnv); path != "" {
		return path
	}
	if executable, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(executable), HelperName)
		if _, statErr := os.Stat(sibling); statErr == nil {
			return sibling
		}
	}
	return HelperName
}

// Probe returns true iff the helper reported a usable adapter.
func (p *ProcessProber) Probe() bool {
	return NewReport(p.ProbeReport()).Supported
}

// ProbeReport returns the adapters listed by the helper. A helper that cannot run
// or prints something else than a report counts as no adapters.
func (p *ProcessProber) ProbeReport() []AdapterReport {
	report, err := p.run(context.Background())
	if err != nil {
		log.Warn().Err(err).Str("helper", p.Path).Msg("cannot list GPU adapters")
		return nil
	}
	return report.Adapters
}

func (p *ProcessProber) run(ctx context.Context) (Report, error) {
	var report Report
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return report, fmt.Errorf("running %s: %w: %s", p.Path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return report, fmt.Errorf("running %s: %w", p.Path, err)
	}
	if err = jsoniter.Unmarshal(out, &report); err != nil {
		return report, fmt.Errorf("decoding report of %s: %w", p.Path, err)
	}
	return report, nil
}
