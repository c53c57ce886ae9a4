package sdturbo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/sdturbo/options"
)

type recordingTuner struct {
	calls   []string
	entries map[string]string
	failOn  string
}

func (r *recordingTuner) record(call string) error {
	r.calls = append(r.calls, call)
	if call == r.failOn {
		return errors.New(call + " failed")
	}
	return nil
}

func (r *recordingTuner) SetIntraOpNumThreads(int) error { return r.record("intra") }
func (r *recordingTuner) SetInterOpNumThreads(int) error { return r.record("inter") }
func (r *recordingTuner) SetCpuMemArena(bool) error      { return r.record("arena") }
func (r *recordingTuner) SetMemPattern(bool) error       { return r.record("pattern") }

func (r *recordingTuner) AddSessionConfigEntry(key, value string) error {
	if r.entries == nil {
		r.entries = map[string]string{}
	}
	r.entries[key] = value
	return r.record("entry")
}

func TestLoadOptionsDisablePrepackingByDefault(t *testing.T) {
	tuner := &recordingTuner{}
	require.NoError(t, applyLoadOptions(tuner, options.Defaults().ORTOptions))
	assert.Equal(t, map[string]string{"session.disable_prepacking": "1"}, tuner.entries)
	assert.Equal(t, []string{"arena", "pattern", "entry"}, tuner.calls)
}

func TestLoadOptionsPrepackingKept(t *testing.T) {
	o := options.Defaults()
	o.Backend = "ORT"
	require.NoError(t, options.WithPrepacking(true)(o))
	require.NoError(t, options.WithIntraOpNumThreads(2)(o))

	tuner := &recordingTuner{}
	require.NoError(t, applyLoadOptions(tuner, o.ORTOptions))
	assert.Empty(t, tuner.entries)
	assert.Equal(t, []string{"intra", "arena", "pattern"}, tuner.calls)
}

func TestLoadOptionsError(t *testing.T) {
	tuner := &recordingTuner{failOn: "entry"}
	assert.ErrorContains(t, applyLoadOptions(tuner, options.Defaults().ORTOptions), "entry failed")
}
