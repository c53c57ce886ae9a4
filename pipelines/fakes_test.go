package pipelines

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"

	"github.com/knights-analytics/sdturbo/backends"
)

const testHiddenSize = 8

type fakeCache struct {
	mu      sync.Mutex
	stored  map[string][]byte
	failing map[string]error
	fetches map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{stored: map[string][]byte{}, failing: map[string]error{}, fetches: map[string]int{}}
}

func (c *fakeCache) Fetch(_ context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches[url]++
	if err, ok := c.failing[url]; ok {
		return nil, err
	}
	c.stored[url] = []byte("onnx:" + url)
	return c.stored[url], nil
}

func (c *fakeCache) Contains(_ context.Context, url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.stored[url]
	return ok
}

type fakeTokenizer struct {
	closed int
	err    error
}

func (f *fakeTokenizer) Encode(prompt string) ([]int32, error) {
	if f.err != nil {
		return nil, f.err
	}
	ids := []int32{49406}
	for _, word := range strings.Fields(prompt) {
		ids = append(ids, int32(len(word)))
	}
	return append(ids, 49407), nil
}

func (f *fakeTokenizer) Close() error {
	f.closed++
	return nil
}

// fakeRuntime builds deterministic sessions for the three roles.
type fakeRuntime struct {
	mu        sync.Mutex
	compiled  []string
	sessions  []*fakeSession
	failRole  string
	failAfter map[string]int // role -> number of successful runs before Run fails
}

func (r *fakeRuntime) Name() string { return "FAKE" }

func (r *fakeRuntime) NewSession(spec backends.ModelSpec, _ []byte) (backends.ModelSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled = append(r.compiled, spec.Name)
	if spec.Name == r.failRole {
		return nil, errors.New("graph does not compile")
	}
	session := &fakeSession{role: Role(spec.Name), spec: spec, failAfter: -1}
	if n, ok := r.failAfter[spec.Name]; ok {
		session.failAfter = n
	}
	r.sessions = append(r.sessions, session)
	return session, nil
}

func (r *fakeRuntime) compiledRoles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.compiled...)
}

// session returns the latest session compiled for role.
func (r *fakeRuntime) session(role Role) *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sessions) - 1; i >= 0; i-- {
		if r.sessions[i].role == role {
			return r.sessions[i]
		}
	}
	return nil
}

func (r *fakeRuntime) liveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.destroyed == 0 {
			n++
		}
	}
	return n
}

type fakeSession struct {
	role      Role
	spec      backends.ModelSpec
	runs      int
	failAfter int
	destroyed int
	// float32 inputs and outputs of the latest run
	seen map[string][]float32
}

func (s *fakeSession) remember(tensors map[string]*backends.Tensor) {
	if s.seen == nil {
		s.seen = map[string][]float32{}
	}
	for name, tensor := range tensors {
		if tensor.DataType == backends.Float32 {
			s.seen[name] = append([]float32(nil), tensor.Float32...)
		}
	}
}

func (s *fakeSession) InputsMeta() []backends.InputOutputInfo {
	var meta []backends.InputOutputInfo
	for name, shape := range s.spec.InputShapes {
		meta = append(meta, backends.InputOutputInfo{Name: name, Dimensions: shape, ElementType: "float32"})
	}
	return meta
}

func (s *fakeSession) OutputsMeta() []backends.InputOutputInfo { return nil }

func (s *fakeSession) Destroy() error {
	s.destroyed++
	return nil
}

func (s *fakeSession) Run(inputs map[string]*backends.Tensor) (map[string]*backends.Tensor, error) {
	if s.failAfter >= 0 && s.runs >= s.failAfter {
		return nil, errors.New("device lost")
	}
	s.runs++
	s.remember(inputs)
	outputs, err := s.outputs(inputs)
	if err == nil {
		s.remember(outputs)
	}
	return outputs, err
}

func (s *fakeSession) outputs(inputs map[string]*backends.Tensor) (map[string]*backends.Tensor, error) {
	switch s.role {
	case RoleTextEncoder:
		ids := inputs["input_ids"].Int32
		hidden := make([]float32, len(ids)*testHiddenSize)
		for i := range hidden {
			hidden[i] = float32(ids[i/testHiddenSize]%97) / 97
		}
		return map[string]*backends.Tensor{
			"last_hidden_state": {Name: "last_hidden_state", Shape: backends.NewShape(1, int64(len(ids)), testHiddenSize), DataType: backends.Float32, Float32: hidden},
			"pooler_output":     {Name: "pooler_output", Shape: backends.NewShape(1, testHiddenSize), DataType: backends.Float32, Float32: hidden[:testHiddenSize]},
		}, nil
	case RoleDenoiser:
		sample := inputs["sample"]
		conditioning := inputs["encoder_hidden_states"].Float32[1]
		out := make([]float32, len(sample.Float32))
		for i, x := range sample.Float32 {
			out[i] = x*0.9 + conditioning
		}
		return map[string]*backends.Tensor{
			"out_sample": {Name: "out_sample", Shape: sample.Shape, DataType: backends.Float32, Float32: out},
		}, nil
	case RoleDecoder:
		latent := inputs["latent_sample"]
		h, w := latent.Shape[2]*8, latent.Shape[3]*8
		pixels := make([]float32, 3*h*w)
		for i := range pixels {
			// decoder output lives in [-1, 1]
			pixels[i] = float32(math.Tanh(float64(latent.Float32[i%len(latent.Float32)]) * 0.05))
		}
		return map[string]*backends.Tensor{
			"sample": {Name: "sample", Shape: backends.NewShape(1, 3, h, w), DataType: backends.Float32, Float32: pixels},
		}, nil
	}
	return nil, errors.New("unknown role")
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) codes() []StatusCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]StatusCode, 0, len(r.statuses))
	for _, s := range r.statuses {
		codes = append(codes, s.Code)
	}
	return codes
}

type fixture struct {
	cache     *fakeCache
	runtime   *fakeRuntime
	tokenizer *fakeTokenizer
	status    *statusRecorder
	manager   *SessionManager
	engine    *Engine
	loads     int
}

const (
	testBaseURL      = "https://models.test/sd-turbo"
	testTokenizerURL = "https://models.test/clip/tokenizer.json"
)

func newFixture() *fixture {
	f := &fixture{
		cache:     newFakeCache(),
		runtime:   &fakeRuntime{failAfter: map[string]int{}},
		tokenizer: &fakeTokenizer{},
		status:    &statusRecorder{},
	}
	manager, err := NewSessionManager(ManagerConfig{
		Cache:        f.cache,
		Runtime:      f.runtime,
		TokenizerURL: testTokenizerURL,
		TokenizerLoader: func([]byte) (TextTokenizer, error) {
			f.loads++
			return f.tokenizer, nil
		},
		OnStatus: f.status.record,
	})
	if err != nil {
		panic(err)
	}
	f.manager = manager
	f.engine = NewEngine(manager, nil, f.status.record)
	return f
}

func (f *fixture) load(width, height, images int) (*LoadedSessions, error) {
	configuration, err := Configure(Resolution{Width: width, Height: height}, images, testBaseURL)
	if err != nil {
		return nil, err
	}
	return f.manager.EnsureLoaded(context.Background(), configuration)
}
