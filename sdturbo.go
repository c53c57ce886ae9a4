package sdturbo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/phuslu/log"
	"golang.org/x/sync/semaphore"

	"github.com/knights-analytics/sdturbo/backends"
	"github.com/knights-analytics/sdturbo/capability"
	"github.com/knights-analytics/sdturbo/modelcache"
	"github.com/knights-analytics/sdturbo/options"
	"github.com/knights-analytics/sdturbo/pipelines"
)

// Prober decides whether the host can run the pipeline.
type Prober interface {
	Probe() bool
}

// GenerateRequest describes one call to Session.Generate.
type GenerateRequest struct {
	Prompt     string
	Width      int
	Height     int
	ImageCount int
	// Seed makes the run reproducible. Nil picks a random seed, reported in the run.
	Seed                  *uint64
	UnloadAfterGeneration bool
}

// Session is the pipeline context: it owns the prober, the artifact cache, the three model
// sessions and the engine. Only one generation runs at a time.
type Session struct {
	options *options.Options
	prober  Prober
	cache   pipelines.ArtifactCache
	manager *pipelines.SessionManager
	engine  *pipelines.Engine
	busy    *semaphore.Weighted

	statusMu sync.RWMutex
	onStatus pipelines.StatusFunc

	probeOnce sync.Once
	supported bool

	environmentDestroy func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	return &Session{
		options: parsedOptions,
		prober:  capability.NewProber(),
		cache:   modelcache.New(parsedOptions.CacheDir, parsedOptions.CacheNamespace, nil),
		busy:    semaphore.NewWeighted(1),
		environmentDestroy: func() error {
			return nil
		},
	}, nil
}

// wire builds the session manager and engine on top of runtime.
func (s *Session) wire(runtime backends.Runtime, loader pipelines.TokenizerLoader) error {
	if loader == nil {
		loader = pipelines.NewTokenizerLoader(s.options.TokenizerRuntime)
	}
	manager, err := pipelines.NewSessionManager(pipelines.ManagerConfig{
		Cache:           s.cache,
		Runtime:         runtime,
		TokenizerURL:    s.options.TokenizerURL,
		TokenizerLoader: loader,
		OnStatus:        s.emit,
	})
	if err != nil {
		return err
	}
	s.manager = manager
	s.engine = pipelines.NewEngine(manager, backends.NewTensorTracker(), s.emit)
	return nil
}

// OnStatus registers the callback that receives status notifications. Nil disables it.
func (s *Session) OnStatus(fn func(pipelines.Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.onStatus = fn
}

func (s *Session) emit(status pipelines.Status) {
	s.statusMu.RLock()
	fn := s.onStatus
	s.statusMu.RUnlock()
	if fn != nil {
		fn(status)
	}
}

// Probe reports whether a GPU adapter with shader-f16 support is present. The first answer is kept.
func (s *Session) Probe() bool {
	s.probeOnce.Do(func() {
		s.supported = s.prober.Probe()
		log.Info().Bool("supported", s.supported).Msg("GPU capability probed")
	})
	return s.supported
}

// Prepare probes the GPU, validates the request and makes sure sessions for the resolution are loaded.
func (s *Session) Prepare(ctx context.Context, resolution pipelines.Resolution, imageCount int) (*pipelines.LoadedSessions, error) {
	if !s.busy.TryAcquire(1) {
		return nil, pipelines.ErrGenerationInProgress
	}
	defer s.busy.Release(1)
	return s.prepare(ctx, resolution, imageCount)
}

func (s *Session) prepare(ctx context.Context, resolution pipelines.Resolution, imageCount int) (*pipelines.LoadedSessions, error) {
	if s.manager == nil {
		return nil, errors.New("session has been destroyed")
	}
	if !s.Probe() {
		pipelines.Emit(s.emit, pipelines.Status{
			Code:    pipelines.StatusErrorUnsupported,
			Message: "this device does not support the GPU features required to generate images",
			Err:     pipelines.ErrCapabilityUnsupported,
		})
		return nil, pipelines.ErrCapabilityUnsupported
	}
	configuration, err := pipelines.Configure(resolution, imageCount, s.options.ModelBaseURL)
	if err != nil {
		return nil, err
	}
	return s.manager.EnsureLoaded(ctx, configuration)
}

// Generate runs the whole pipeline for req and hands every image to sink.
// A call made while another is running fails with pipelines.ErrGenerationInProgress.
func (s *Session) Generate(ctx context.Context, req GenerateRequest, sink pipelines.Sink) (*pipelines.GenerationRun, error) {
	if !s.busy.TryAcquire(1) {
		return nil, pipelines.ErrGenerationInProgress
	}
	defer s.busy.Release(1)

	sessions, err := s.prepare(ctx, pipelines.Resolution{Width: req.Width, Height: req.Height}, req.ImageCount)
	if err != nil {
		return nil, err
	}
	return s.engine.Generate(ctx, req.Prompt, sessions, sink, pipelines.GenerateOptions{
		Seed:                  req.Seed,
		UnloadAfterGeneration: req.UnloadAfterGeneration,
	})
}

// Release frees the model sessions. They are loaded again by the next Generate.
func (s *Session) Release() error {
	if s.manager == nil {
		return nil
	}
	if !s.busy.TryAcquire(1) {
		return fmt.Errorf("cannot release sessions: %w", pipelines.ErrGenerationInProgress)
	}
	defer s.busy.Release(1)
	return s.manager.Release()
}

// GetStats returns runtime statistics for profiling: per stage timings of the engine
// followed by the inference timings of each loaded model.
func (s *Session) GetStats() []string {
	if s.engine == nil {
		return nil
	}
	stats := s.engine.Statistics().Lines()
	if loaded, ok := s.manager.Loaded(); ok {
		for _, model := range []*backends.Model{loaded.TextEncoder, loaded.Denoiser, loaded.Decoder} {
			stats = slices.Concat(stats, []string{fmt.Sprintf("%s: Total time=%s, Execution count=%d, Average query time=%s",
				model.ID, model.Timings.Total(), model.Timings.Calls(), model.Timings.Average())})
		}
	}
	return stats
}

// Destroy frees the sessions, the tokenizer, the runtime options and the runtime environment.
// A session should be destroyed when not needed any more, preferably with a defer() call.
// Destroy fails with pipelines.ErrGenerationInProgress while a generation is running.
func (s *Session) Destroy() error {
	if !s.busy.TryAcquire(1) {
		return fmt.Errorf("cannot destroy session: %w", pipelines.ErrGenerationInProgress)
	}
	defer s.busy.Release(1)

	var err error
	if s.manager != nil {
		err = errors.Join(err, s.manager.Destroy())
		s.manager = nil
		s.engine = nil
	}
	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}
	return errors.Join(err, s.environmentDestroy())
}
