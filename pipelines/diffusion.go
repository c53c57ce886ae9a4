package pipelines

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/semaphore"

	"github.com/knights-analytics/sdturbo/backends"
)

// Tensor names of the exported SD-Turbo graphs.
const (
	inputIDs            = "input_ids"
	lastHiddenState     = "last_hidden_state"
	sampleInput         = "sample"
	timestepInput       = "timestep"
	encoderHiddenStates = "encoder_hidden_states"
	outSample           = "out_sample"
	latentSample        = "latent_sample"
	decodedSample       = "sample"
)

// GenerateOptions tunes one run.
type GenerateOptions struct {
	// Seed for the noise stream. Nil draws a random seed, which is reported in the run.
	Seed                  *uint64
	UnloadAfterGeneration bool
}

// ImageOutcome is the result for one image of a run.
type ImageOutcome struct {
	Index    int
	Err      error
	Duration time.Duration
}

// GenerationRun records one call to Generate.
type GenerationRun struct {
	Prompt   string
	Config   PipelineConfig
	Seed     uint64
	Outcomes []ImageOutcome
	Started  time.Time
	Finished time.Time
}

// Delivered returns how many images reached the sink.
func (r *GenerationRun) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Engine runs the single step diffusion loop. Only one run may be in flight at a time;
// a concurrent call is rejected with ErrGenerationInProgress.
type Engine struct {
	manager  *SessionManager
	tracker  *backends.TensorTracker
	guard    *semaphore.Weighted
	onStatus StatusFunc
	stats    *Statistics
}

func NewEngine(manager *SessionManager, tracker *backends.TensorTracker, onStatus StatusFunc) *Engine {
	if tracker == nil {
		tracker = backends.NewTensorTracker()
	}
	return &Engine{
		manager:  manager,
		tracker:  tracker,
		guard:    semaphore.NewWeighted(1),
		onStatus: onStatus,
		stats:    newStatistics(),
	}
}

// Tracker counts the tensors created by the engine that are still alive.
func (e *Engine) Tracker() *backends.TensorTracker {
	return e.tracker
}

func (e *Engine) Statistics() *Statistics {
	return e.stats
}

// Generate produces sessions.Config.ImageCount images for prompt and hands each to sink in order.
// Images drawn before a failure stay drawn and are listed in the returned run.
func (e *Engine) Generate(ctx context.Context, prompt string, sessions *LoadedSessions, sink Sink, opts GenerateOptions) (*GenerationRun, error) {
	if !e.guard.TryAcquire(1) {
		rejectedTotal.Inc()
		return nil, ErrGenerationInProgress
	}
	defer e.guard.Release(1)

	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if sessions == nil || sessions.TextEncoder == nil || sessions.Denoiser == nil || sessions.Decoder == nil || sessions.Tokenizer == nil {
		return nil, ErrNotLoaded
	}
	if sink == nil {
		return nil, errors.New("generate needs a sink")
	}

	seed, err := resolveSeed(opts.Seed)
	if err != nil {
		return nil, err
	}
	run := &GenerationRun{Prompt: prompt, Config: sessions.Config, Seed: seed, Started: time.Now()}
	Emit(e.onStatus, Status{Code: StatusGenerate, Message: fmt.Sprintf("generating %d image(s)", sessions.Config.ImageCount)})
	log.Info().Str("prompt", prompt).Uint64("seed", seed).
		Int("width", sessions.Config.Width).Int("height", sessions.Config.Height).
		Int("images", sessions.Config.ImageCount).Msg("generation started")

	err = e.run(ctx, run, sessions, sink)
	run.Finished = time.Now()
	e.stats.recordRun(run)

	if opts.UnloadAfterGeneration {
		if releaseErr := e.manager.Release(); releaseErr != nil {
			log.Warn().Err(releaseErr).Msg("unloading sessions after generation")
		}
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			Emit(e.onStatus, Status{Code: StatusErrorGenerate, Message: "generation failed", Err: err})
		}
		return run, err
	}
	Emit(e.onStatus, Status{Code: StatusDone, Message: fmt.Sprintf("generated %d image(s) in %s", run.Delivered(), run.Finished.Sub(run.Started))})
	return run, nil
}

func (e *Engine) run(ctx context.Context, run *GenerationRun, sessions *LoadedSessions, sink Sink) (err error) {
	hidden, err := e.encodePrompt(run.Prompt, sessions)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, hidden.Release())
	}()

	noise := NewNoiseSource(run.Seed)
	for i := 0; i < run.Config.ImageCount; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("generation cancelled before image %d: %w", i, ctxErr)
		}
		start := time.Now()
		imageErr := e.generateImage(ctx, i, noise, hidden, sessions, sink)
		run.Outcomes = append(run.Outcomes, ImageOutcome{Index: i, Err: imageErr, Duration: time.Since(start)})
		if imageErr != nil {
			imagesTotal.WithLabelValues("failed").Inc()
			return imageErr
		}
		imagesTotal.WithLabelValues("delivered").Inc()
		log.Debug().Int("image", i).Dur("duration", time.Since(start)).Msg("image generated")
	}
	return nil
}

// encodePrompt tokenizes once and runs the text encoder once for the whole run.
func (e *Engine) encodePrompt(prompt string, sessions *LoadedSessions) (*backends.Tensor, error) {
	start := time.Now()
	ids, err := sessions.Tokenizer.Encode(prompt)
	e.stats.record(StageTokenize, start)
	if err != nil {
		return nil, &InferenceError{Stage: StageTokenize, Index: -1, Err: err}
	}
	ids = backends.PadAndTruncate(ids, backends.MaxSequenceLength, backends.PadTokenID)
	inputTensor, err := e.tracker.NewInt32(inputIDs, backends.NewShape(1, backends.MaxSequenceLength), ids)
	if err != nil {
		return nil, &InferenceError{Stage: StageTokenize, Index: -1, Err: err}
	}

	start = time.Now()
	outputs, err := sessions.TextEncoder.Run(e.tracker, map[string]*backends.Tensor{inputIDs: inputTensor})
	e.stats.record(StageTextEncoder, start)
	releaseErr := inputTensor.Release()
	if err != nil {
		return nil, &InferenceError{Stage: StageTextEncoder, Index: -1, Err: errors.Join(err, releaseErr)}
	}
	hidden, err := takeOutput(outputs, lastHiddenState)
	if err != nil {
		return nil, &InferenceError{Stage: StageTextEncoder, Index: -1, Err: errors.Join(err, releaseErr)}
	}
	if releaseErr != nil {
		return nil, errors.Join(releaseErr, hidden.Release())
	}
	return hidden, nil
}

func (e *Engine) generateImage(ctx context.Context, index int, noise *NoiseSource, hidden *backends.Tensor,
	sessions *LoadedSessions, sink Sink,
) (err error) {
	config := sessions.Config
	latentShape := config.LatentShape()

	// tensors still owned by this call; released on every path
	var owned []*backends.Tensor
	defer func() {
		err = errors.Join(err, backends.ReleaseAll(owned...))
	}()
	own := func(t *backends.Tensor) *backends.Tensor {
		owned = append(owned, t)
		return t
	}

	start := time.Now()
	latentData := noise.Latent(latentShape.Elements(), Sigma)
	latent, err := e.tracker.NewFloat32("latent", latentShape, latentData)
	if err != nil {
		return &InferenceError{Stage: StageNoise, Index: index, Err: err}
	}
	own(latent)
	scaled, err := e.tracker.NewFloat32(sampleInput, latentShape, ScaleModelInput(latent.Float32, Sigma))
	if err != nil {
		return &InferenceError{Stage: StageNoise, Index: index, Err: err}
	}
	own(scaled)
	timestep, err := e.tracker.NewInt64(timestepInput, backends.NewShape(1), []int64{Timestep})
	if err != nil {
		return &InferenceError{Stage: StageNoise, Index: index, Err: err}
	}
	own(timestep)
	e.stats.record(StageNoise, start)

	start = time.Now()
	outputs, err := sessions.Denoiser.Run(e.tracker, map[string]*backends.Tensor{
		sampleInput:         scaled,
		timestepInput:       timestep,
		encoderHiddenStates: hidden,
	})
	e.stats.record(StageDenoiser, start)
	if err != nil {
		return &InferenceError{Stage: StageDenoiser, Index: index, Err: err}
	}
	prediction, err := takeOutput(outputs, outSample)
	if err != nil {
		return &InferenceError{Stage: StageDenoiser, Index: index, Err: err}
	}
	own(prediction)
	if err = backends.ReleaseAll(scaled, timestep); err != nil {
		return err
	}
	if prediction.Len() != latent.Len() {
		return &InferenceError{Stage: StageDenoiser, Index: index,
			Err: fmt.Errorf("%s has %d values, expected %d", outSample, prediction.Len(), latent.Len())}
	}

	stepped := EulerStep(prediction.Float32, latent.Float32, Sigma, Gamma)
	if err = backends.ReleaseAll(prediction, latent); err != nil {
		return err
	}
	decoderInput, err := e.tracker.NewFloat32(latentSample, latentShape, stepped)
	if err != nil {
		return &InferenceError{Stage: StageDecoder, Index: index, Err: err}
	}
	own(decoderInput)

	start = time.Now()
	outputs, err = sessions.Decoder.Run(e.tracker, map[string]*backends.Tensor{latentSample: decoderInput})
	e.stats.record(StageDecoder, start)
	if err != nil {
		return &InferenceError{Stage: StageDecoder, Index: index, Err: err}
	}
	decoded, err := takeOutput(outputs, decodedSample)
	if err != nil {
		return &InferenceError{Stage: StageDecoder, Index: index, Err: err}
	}
	own(decoded)
	if err = decoderInput.Release(); err != nil {
		return err
	}
	if !decoded.Shape.Equal(config.ImageShape()) || decoded.DataType != backends.Float32 {
		return &InferenceError{Stage: StageDecoder, Index: index,
			Err: fmt.Errorf("decoded %s, expected float32%s", decoded, config.ImageShape())}
	}
	ClampImage(decoded.Float32)

	start = time.Now()
	err = sink.Draw(ctx, decoded, index)
	e.stats.record(StageSink, start)
	if err != nil {
		return &InferenceError{Stage: StageSink, Index: index, Err: err}
	}
	return nil
}

// takeOutput picks the named output and releases every other one.
func takeOutput(outputs map[string]*backends.Tensor, name string) (*backends.Tensor, error) {
	var others []*backends.Tensor
	for key, t := range outputs {
		if key != name {
			others = append(others, t)
		}
	}
	releaseErr := backends.ReleaseAll(others...)
	t, ok := outputs[name]
	if !ok || t == nil {
		return nil, errors.Join(fmt.Errorf("model produced no %s output", name), releaseErr)
	}
	if releaseErr != nil {
		return nil, errors.Join(releaseErr, t.Release())
	}
	return t, nil
}

func resolveSeed(seed *uint64) (uint64, error) {
	if seed != nil {
		return *seed, nil
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("drawing a random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
