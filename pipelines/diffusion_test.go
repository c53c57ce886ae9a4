package pipelines

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/sdturbo/backends"
)

func seed(s uint64) *uint64 {
	return &s
}

func TestGenerateDrawsEveryImageInOrder(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 128, 3)
	require.NoError(t, err)

	var slots []int
	var shapes []backends.Shape
	sink := SinkFunc(func(_ context.Context, tensor *backends.Tensor, slot int) error {
		slots = append(slots, slot)
		shapes = append(shapes, append(backends.Shape(nil), tensor.Shape...))
		for _, v := range tensor.Float32 {
			if v < 0 || v > 1 {
				return errors.New("pixel outside [0, 1]")
			}
		}
		return nil
	})

	run, err := f.engine.Generate(context.Background(), "a cat on a mat", sessions, sink, GenerateOptions{Seed: seed(1)})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, slots)
	for _, shape := range shapes {
		assert.Equal(t, backends.NewShape(1, 3, 128, 64), shape)
	}
	assert.Equal(t, 3, run.Delivered())
	assert.Equal(t, uint64(1), run.Seed)
	assert.Equal(t, int64(0), f.engine.Tracker().Live())
	assert.Contains(t, f.status.codes(), StatusGenerate)
	assert.Equal(t, StatusDone, f.status.codes()[len(f.status.codes())-1])

	// the prompt is encoded once per run, the denoiser and decoder run once per image
	assert.Equal(t, uint64(1), sessions.TextEncoder.Timings.Calls())
	assert.Equal(t, uint64(3), sessions.Denoiser.Timings.Calls())
	assert.Equal(t, uint64(3), sessions.Decoder.Timings.Calls())
}

func TestGenerateIsDeterministicForASeed(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 2)
	require.NoError(t, err)

	generate := func(s *uint64) *CollectSink {
		sink := NewCollectSink()
		_, err := f.engine.Generate(context.Background(), "a lighthouse", sessions, sink, GenerateOptions{Seed: s})
		require.NoError(t, err)
		return sink
	}
	a, b, c := generate(seed(99)), generate(seed(99)), generate(seed(100))

	assert.Equal(t, []int{0, 1}, a.Slots())
	for _, slot := range a.Slots() {
		imgA, _ := a.Image(slot)
		imgB, _ := b.Image(slot)
		imgC, _ := c.Image(slot)
		assert.Equal(t, imgA.Pix, imgB.Pix)
		assert.NotEqual(t, imgA.Pix, imgC.Pix)
	}
	first, _ := a.Image(0)
	second, _ := a.Image(1)
	assert.NotEqual(t, first.Pix, second.Pix)
}

func TestGenerateStepsFromTheUnscaledLatent(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 1)
	require.NoError(t, err)

	_, err = f.engine.Generate(context.Background(), "a lighthouse", sessions, NewCollectSink(), GenerateOptions{Seed: seed(7)})
	require.NoError(t, err)

	denoiser := f.runtime.session(RoleDenoiser)
	decoder := f.runtime.session(RoleDecoder)
	require.NotNil(t, denoiser)
	require.NotNil(t, decoder)
	prediction := denoiser.seen["out_sample"]
	latent := NewNoiseSource(7).Latent(len(prediction), Sigma)

	// the denoiser sees the scaled latent, the step uses the unscaled one
	assert.Equal(t, ScaleModelInput(latent, Sigma), denoiser.seen["sample"])
	assert.Equal(t, EulerStep(prediction, latent, Sigma, Gamma), decoder.seen["latent_sample"])
	assert.NotEqual(t, EulerStep(prediction, ScaleModelInput(latent, Sigma), Sigma, Gamma), decoder.seen["latent_sample"])
}

func TestGenerateWithoutSeedReportsOne(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 1)
	require.NoError(t, err)
	run, err := f.engine.Generate(context.Background(), "a tree", sessions, NewCollectSink(), GenerateOptions{})
	require.NoError(t, err)

	sink := NewCollectSink()
	replay, err := f.engine.Generate(context.Background(), "a tree", sessions, sink, GenerateOptions{Seed: seed(run.Seed)})
	require.NoError(t, err)
	assert.Equal(t, run.Seed, replay.Seed)
}

func TestGenerateRejectsConcurrentRuns(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 1)
	require.NoError(t, err)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	blocking := SinkFunc(func(context.Context, *backends.Tensor, int) error {
		close(entered)
		<-proceed
		return nil
	})
	go func() {
		_, err := f.engine.Generate(context.Background(), "first", sessions, blocking, GenerateOptions{Seed: seed(1)})
		done <- err
	}()
	<-entered

	run, err := f.engine.Generate(context.Background(), "second", sessions, NewCollectSink(), GenerateOptions{Seed: seed(2)})
	assert.ErrorIs(t, err, ErrGenerationInProgress)
	assert.Nil(t, run)

	close(proceed)
	require.NoError(t, <-done)

	// the slot is free again
	_, err = f.engine.Generate(context.Background(), "third", sessions, NewCollectSink(), GenerateOptions{Seed: seed(3)})
	assert.NoError(t, err)
}

func TestGenerateStopsWhenCancelled(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drawn []int
	sink := SinkFunc(func(_ context.Context, _ *backends.Tensor, slot int) error {
		drawn = append(drawn, slot)
		cancel()
		return nil
	})

	run, err := f.engine.Generate(ctx, "a boat", sessions, sink, GenerateOptions{Seed: seed(5)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{0}, drawn)
	assert.Equal(t, 1, run.Delivered())
	assert.Equal(t, int64(0), f.engine.Tracker().Live())
	assert.NotContains(t, f.status.codes(), StatusErrorGenerate)
}

func TestGenerateKeepsImagesDrawnBeforeAFailure(t *testing.T) {
	f := newFixture()
	f.runtime.failAfter[string(RoleDenoiser)] = 1
	sessions, err := f.load(64, 64, 3)
	require.NoError(t, err)

	sink := NewCollectSink()
	run, err := f.engine.Generate(context.Background(), "a bridge", sessions, sink, GenerateOptions{Seed: seed(8)})
	var inferenceErr *InferenceError
	require.ErrorAs(t, err, &inferenceErr)
	assert.Equal(t, StageDenoiser, inferenceErr.Stage)
	assert.Equal(t, 1, inferenceErr.Index)

	assert.Equal(t, []int{0}, sink.Slots())
	require.Len(t, run.Outcomes, 2)
	assert.NoError(t, run.Outcomes[0].Err)
	assert.Error(t, run.Outcomes[1].Err)
	assert.Equal(t, int64(0), f.engine.Tracker().Live())
	assert.Equal(t, StatusErrorGenerate, f.status.codes()[len(f.status.codes())-1])
}

func TestGenerateSinkFailureReleasesTensors(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 2)
	require.NoError(t, err)

	failing := SinkFunc(func(context.Context, *backends.Tensor, int) error {
		return errors.New("display detached")
	})
	_, err = f.engine.Generate(context.Background(), "a fox", sessions, failing, GenerateOptions{Seed: seed(1)})
	var inferenceErr *InferenceError
	require.ErrorAs(t, err, &inferenceErr)
	assert.Equal(t, StageSink, inferenceErr.Stage)
	assert.Equal(t, 0, inferenceErr.Index)
	assert.Equal(t, int64(0), f.engine.Tracker().Live())
}

func TestGenerateTokenizerFailure(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 1)
	require.NoError(t, err)
	f.tokenizer.err = errors.New("bad utf-8")

	_, err = f.engine.Generate(context.Background(), "x", sessions, NewCollectSink(), GenerateOptions{Seed: seed(1)})
	var inferenceErr *InferenceError
	require.ErrorAs(t, err, &inferenceErr)
	assert.Equal(t, StageTokenize, inferenceErr.Stage)
	assert.Equal(t, int64(0), f.engine.Tracker().Live())
}

func TestGenerateUnloadsAfterGeneration(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 1)
	require.NoError(t, err)

	_, err = f.engine.Generate(context.Background(), "a hill", sessions, NewCollectSink(),
		GenerateOptions{Seed: seed(1), UnloadAfterGeneration: true})
	require.NoError(t, err)
	_, ok := f.manager.Loaded()
	assert.False(t, ok)
	assert.Equal(t, 0, f.runtime.liveSessions())
}

func TestGenerateValidatesArguments(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 1)
	require.NoError(t, err)

	_, err = f.engine.Generate(context.Background(), "   ", sessions, NewCollectSink(), GenerateOptions{})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	_, err = f.engine.Generate(context.Background(), "a cat", nil, NewCollectSink(), GenerateOptions{})
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = f.engine.Generate(context.Background(), "a cat", sessions, nil, GenerateOptions{})
	assert.Error(t, err)
}

func TestStatisticsLines(t *testing.T) {
	f := newFixture()
	sessions, err := f.load(64, 64, 2)
	require.NoError(t, err)
	_, err = f.engine.Generate(context.Background(), "a cat", sessions, NewCollectSink(), GenerateOptions{Seed: seed(1)})
	require.NoError(t, err)

	lines := f.engine.Statistics().Lines()
	require.Len(t, lines, 7)
	assert.Equal(t, "Statistics for engine: runs=1, images delivered=2, images failed=0", lines[0])
	assert.Equal(t, uint64(2), f.engine.Statistics().Stage(StageDenoiser).Calls())
	assert.Equal(t, uint64(1), f.engine.Statistics().Stage(StageTokenize).Calls())
}
