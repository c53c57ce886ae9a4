package pipelines

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/sdturbo/backends"
)

var stageOrder = []Stage{StageTokenize, StageTextEncoder, StageNoise, StageDenoiser, StageDecoder, StageSink}

// Statistics accumulates per stage timings over the engine's lifetime.
type Statistics struct {
	mu        sync.Mutex
	stages    map[Stage]*backends.Timings
	runs      atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func newStatistics() *Statistics {
	stages := make(map[Stage]*backends.Timings, len(stageOrder))
	for _, stage := range stageOrder {
		stages[stage] = &backends.Timings{}
	}
	return &Statistics{stages: stages}
}

func (s *Statistics) record(stage Stage, start time.Time) {
	s.mu.Lock()
	timings := s.stages[stage]
	s.mu.Unlock()
	timings.Record(start)
	stageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func (s *Statistics) recordRun(run *GenerationRun) {
	s.runs.Add(1)
	for _, o := range run.Outcomes {
		if o.Err == nil {
			s.delivered.Add(1)
		} else {
			s.failed.Add(1)
		}
	}
}

// Stage returns the timings of one stage.
func (s *Statistics) Stage(stage Stage) *backends.Timings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stages[stage]
}

// Lines renders the statistics for printing.
func (s *Statistics) Lines() []string {
	lines := []string{
		fmt.Sprintf("Statistics for engine: runs=%d, images delivered=%d, images failed=%d",
			s.runs.Load(), s.delivered.Load(), s.failed.Load()),
	}
	for _, stage := range stageOrder {
		timings := s.Stage(stage)
		lines = append(lines, fmt.Sprintf("%s: Total time=%s, Execution count=%d, Average query time=%s",
			stage, timings.Total(), timings.Calls(), timings.Average()))
	}
	return lines
}
