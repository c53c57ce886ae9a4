package sdturbo

import (
	"github.com/knights-analytics/sdturbo/options"
)

const disablePrepackingKey = "session.disable_prepacking"

// sessionTuner is the part of the onnxruntime session options the load options are applied through.
type sessionTuner interface {
	SetIntraOpNumThreads(n int) error
	SetInterOpNumThreads(n int) error
	SetCpuMemArena(isEnabled bool) error
	SetMemPattern(isEnabled bool) error
	AddSessionConfigEntry(key, value string) error
}

// applyLoadOptions sets the thread counts, memory options and prepacking shared by the three sessions.
func applyLoadOptions(tuner sessionTuner, o *options.OrtOptions) error {
	if o.IntraOpNumThreads != nil {
		if err := tuner.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := tuner.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return err
		}
	}
	if o.CPUMemArena != nil {
		if err := tuner.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return err
		}
	}
	if o.MemPattern != nil {
		if err := tuner.SetMemPattern(*o.MemPattern); err != nil {
			return err
		}
	}
	if o.DisablePrepacking != nil && *o.DisablePrepacking {
		if err := tuner.AddSessionConfigEntry(disablePrepackingKey, "1"); err != nil {
			return err
		}
	}
	return nil
}
