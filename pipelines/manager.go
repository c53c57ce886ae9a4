package pipelines

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/sdturbo/backends"
)

// ArtifactCache is where the manager gets model and tokenizer bytes from.
type ArtifactCache interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Contains(ctx context.Context, url string) bool
}

// TextTokenizer turns a prompt into exactly backends.MaxSequenceLength token ids.
type TextTokenizer interface {
	Encode(prompt string) ([]int32, error)
	Close() error
}

// TokenizerLoader builds a tokenizer from the bytes of a tokenizer.json.
type TokenizerLoader func(data []byte) (TextTokenizer, error)

// NewTokenizerLoader returns a loader for the given backends tokenizer runtime ("RUST" or "GO").
func NewTokenizerLoader(runtime string) TokenizerLoader {
	return func(data []byte) (TextTokenizer, error) {
		tk, err := backends.LoadTokenizer(data, runtime)
		if err != nil {
			return nil, err
		}
		return tk, nil
	}
}

// LoadedSessions are the compiled sessions for one resolution plus the shared tokenizer.
type LoadedSessions struct {
	TextEncoder *backends.Model
	Denoiser    *backends.Model
	Decoder     *backends.Model
	Tokenizer   TextTokenizer
	Config      PipelineConfig
}

func (l *LoadedSessions) models() []*backends.Model {
	return []*backends.Model{l.Denoiser, l.TextEncoder, l.Decoder}
}

func (l *LoadedSessions) set(role Role, model *backends.Model) {
	switch role {
	case RoleTextEncoder:
		l.TextEncoder = model
	case RoleDenoiser:
		l.Denoiser = model
	case RoleDecoder:
		l.Decoder = model
	}
}

type ManagerConfig struct {
	Cache           ArtifactCache
	Runtime         backends.Runtime
	TokenizerURL    string
	TokenizerLoader TokenizerLoader
	OnStatus        StatusFunc
}

// SessionManager owns the three model sessions and the tokenizer. Sessions are loaded
// all together or not at all.
type SessionManager struct {
	config    ManagerConfig
	mu        sync.Mutex
	loaded    *LoadedSessions
	tokenizer TextTokenizer
}

func NewSessionManager(config ManagerConfig) (*SessionManager, error) {
	if config.Cache == nil {
		return nil, errors.New("session manager needs an artifact cache")
	}
	if config.Runtime == nil {
		return nil, errors.New("session manager needs a runtime")
	}
	if config.TokenizerLoader == nil {
		config.TokenizerLoader = NewTokenizerLoader("GO")
	}
	return &SessionManager{config: config}, nil
}

// Loaded returns the current sessions, if any.
func (m *SessionManager) Loaded() (*LoadedSessions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded, m.loaded != nil
}

// EnsureLoaded returns sessions compiled for configuration's resolution, loading them if needed.
// On failure every session is released and the manager holds nothing.
func (m *SessionManager) EnsureLoaded(ctx context.Context, configuration Configuration) (*LoadedSessions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded != nil && m.loaded.Config.SameShape(configuration.Config) {
		m.loaded.Config = configuration.Config
		return m.loaded, nil
	}
	if m.loaded != nil {
		log.Info().Str("from", Resolution{m.loaded.Config.Width, m.loaded.Config.Height}.String()).
			Str("to", Resolution{configuration.Config.Width, configuration.Config.Height}.String()).
			Msg("resolution changed, reloading sessions")
		if err := m.releaseLocked(); err != nil {
			log.Warn().Err(err).Msg("releasing stale sessions")
		}
	}

	m.announce(ctx, configuration)

	if err := m.loadTokenizerLocked(ctx); err != nil {
		return nil, err
	}

	sessions := &LoadedSessions{Tokenizer: m.tokenizer, Config: configuration.Config}
	for _, role := range LoadOrder {
		descriptor, ok := configuration.Descriptor(role)
		if !ok {
			err := &ModelLoadError{Role: role, Err: errors.New("no descriptor")}
			return nil, m.abort(sessions, err, StatusErrorLoad)
		}
		model, err := m.loadModel(ctx, descriptor)
		if err != nil {
			code := StatusErrorLoad
			var loadErr *ModelLoadError
			if errors.As(err, &loadErr) && loadErr.Fetch {
				code = StatusErrorDownload
			}
			return nil, m.abort(sessions, err, code)
		}
		sessions.set(role, model)
	}
	m.loaded = sessions
	return sessions, nil
}

// MissingKB counts the descriptors whose artifact is not in cache and their approximate total size.
func MissingKB(ctx context.Context, cache ArtifactCache, descriptors []ModelDescriptor) (missing, sizeKB int) {
	for _, d := range descriptors {
		if !cache.Contains(ctx, d.RemoteURL) {
			missing++
			sizeKB += d.ApproxSizeKB
		}
	}
	return missing, sizeKB
}

// announce reports whether the load will hit the network.
func (m *SessionManager) announce(ctx context.Context, configuration Configuration) {
	if missing, missingKB := MissingKB(ctx, m.config.Cache, configuration.Descriptors); missing > 0 {
		Emit(m.config.OnStatus, Status{
			Code:    StatusDownload,
			Message: fmt.Sprintf("downloading %d model(s), approx. %d KB", missing, missingKB),
		})
		return
	}
	Emit(m.config.OnStatus, Status{Code: StatusLoad, Message: "loading models"})
}

func (m *SessionManager) loadTokenizerLocked(ctx context.Context) error {
	if m.tokenizer != nil {
		return nil
	}
	data, err := m.config.Cache.Fetch(ctx, m.config.TokenizerURL)
	if err != nil {
		err = &TokenizerLoadError{Err: err}
		Emit(m.config.OnStatus, Status{Code: StatusErrorDownload, Message: "tokenizer download failed", Err: err})
		return err
	}
	tk, err := m.config.TokenizerLoader(data)
	if err != nil {
		err = &TokenizerLoadError{Err: err}
		Emit(m.config.OnStatus, Status{Code: StatusErrorLoad, Message: "tokenizer load failed", Err: err})
		return err
	}
	m.tokenizer = tk
	return nil
}

func (m *SessionManager) loadModel(ctx context.Context, descriptor ModelDescriptor) (*backends.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ModelLoadError{Role: descriptor.Role, Err: err}
	}
	start := time.Now()
	data, err := m.config.Cache.Fetch(ctx, descriptor.RemoteURL)
	if err != nil {
		modelLoadFailures.WithLabelValues(string(descriptor.Role), "download").Inc()
		return nil, &ModelLoadError{Role: descriptor.Role, Fetch: true, Err: err}
	}
	model, err := backends.LoadModel(m.config.Runtime, descriptor.Spec(), data)
	if err != nil {
		modelLoadFailures.WithLabelValues(string(descriptor.Role), "load").Inc()
		return nil, &ModelLoadError{Role: descriptor.Role, Err: err}
	}
	elapsed := time.Since(start)
	modelLoadDuration.WithLabelValues(string(descriptor.Role)).Observe(elapsed.Seconds())
	log.Info().Str("role", string(descriptor.Role)).Str("url", descriptor.RemoteURL).Dur("duration", elapsed).Msg("model session loaded")
	return model, nil
}

// abort releases whatever was loaded in this call and reports the failure.
func (m *SessionManager) abort(partial *LoadedSessions, cause error, code StatusCode) error {
	var role Role
	var loadErr *ModelLoadError
	if errors.As(cause, &loadErr) {
		role = loadErr.Role
	}
	if err := destroyModels(partial.models()...); err != nil {
		log.Warn().Err(err).Msg("releasing partially loaded sessions")
	}
	m.loaded = nil
	Emit(m.config.OnStatus, Status{Code: code, Message: fmt.Sprintf("failed to load %s model", role), Role: role, Err: cause})
	return cause
}

// Release destroys the model sessions. The tokenizer is kept. Calling it with nothing loaded is a no-op.
func (m *SessionManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

func (m *SessionManager) releaseLocked() error {
	if m.loaded == nil {
		return nil
	}
	err := destroyModels(m.loaded.models()...)
	m.loaded = nil
	log.Debug().Msg("model sessions released")
	return err
}

// Destroy releases the sessions and the tokenizer.
func (m *SessionManager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.releaseLocked()
	if m.tokenizer != nil {
		err = errors.Join(err, m.tokenizer.Close())
		m.tokenizer = nil
	}
	return err
}

func destroyModels(models ...*backends.Model) error {
	var err error
	for _, model := range models {
		if model != nil && model.Destroy != nil {
			err = errors.Join(err, model.Destroy())
		}
	}
	return err
}
