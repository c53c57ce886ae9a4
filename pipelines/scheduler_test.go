package pipelines

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoiseIsSeeded(t *testing.T) {
	a := NewNoiseSource(42).Latent(256, Sigma)
	b := NewNoiseSource(42).Latent(256, Sigma)
	c := NewNoiseSource(43).Latent(256, Sigma)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNoiseIsScaledGaussian(t *testing.T) {
	samples := NewNoiseSource(7).Latent(200_000, Sigma)
	var sum, sumSquares float64
	for _, x := range samples {
		assert.False(t, math.IsNaN(float64(x)) || math.IsInf(float64(x), 0))
		sum += float64(x)
		sumSquares += float64(x) * float64(x)
	}
	n := float64(len(samples))
	mean := sum / n
	std := math.Sqrt(sumSquares/n - mean*mean)
	assert.InDelta(t, 0, mean, 0.2)
	assert.InDelta(t, Sigma, std, 0.15)
}

func TestScaleModelInput(t *testing.T) {
	scaled := ScaleModelInput([]float32{14.6146, -29.2292}, Sigma)
	divisor := math.Sqrt(Sigma*Sigma + 1)
	assert.InDelta(t, 14.6146/divisor, scaled[0], 1e-6)
	assert.InDelta(t, -29.2292/divisor, scaled[1], 1e-6)
}

func TestEulerStep(t *testing.T) {
	sample := []float32{10, -3, 0}
	modelOutput := []float32{0.5, 0.25, -1}
	out := EulerStep(modelOutput, sample, Sigma, Gamma)
	for i := range sample {
		// with gamma = 0 the step lands on the predicted original sample
		expected := (float64(sample[i]) - Sigma*float64(modelOutput[i])) / VAEScalingFactor
		assert.InDelta(t, expected, out[i], 1e-3)
	}
}

func TestClampImage(t *testing.T) {
	pixels := []float32{-3, -1, 0, 1, 3}
	ClampImage(pixels)
	assert.Equal(t, []float32{0, 0, 0.5, 1, 1}, pixels)
}

func TestEulerStepScalarChain(t *testing.T) {
	out := EulerStep([]float32{0.5}, []float32{1.0}, Sigma, Gamma)

	predOriginal := 1.0 - Sigma*0.5
	assert.InDelta(t, -6.3073, predOriginal, 1e-9)
	derivative := (1.0 - predOriginal) / Sigma
	assert.InDelta(t, 0.5, derivative, 1e-9)
	dt := 0 - Sigma
	expected := float32((1.0 + derivative*dt) / VAEScalingFactor)

	assert.Equal(t, expected, out[0])
	assert.InDelta(t, -34.627, out[0], 1e-3)
}
