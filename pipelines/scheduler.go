package pipelines

import (
	"math"
	"math/rand/v2"
)

// Single step Euler discrete scheduler constants for SD-Turbo.
const (
	Sigma            = 14.6146
	Gamma            = 0.0
	VAEScalingFactor = 0.18215
	Timestep         = 999
)

// NoiseSource draws standard normal samples from a seeded PCG stream.
type NoiseSource struct {
	rng *rand.Rand
}

func NewNoiseSource(seed uint64) *NoiseSource {
	return &NoiseSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// uniform returns a sample in (0, 1].
func (n *NoiseSource) uniform() float64 {
	return 1 - n.rng.Float64()
}

// Latent fills a buffer of size elements with Box-Muller normal samples scaled by sigma.
// The maths is done in float64 and stored as float32.
func (n *NoiseSource) Latent(size int, sigma float64) []float32 {
	data := make([]float32, size)
	for i := range data {
		u, v := n.uniform(), n.uniform()
		data[i] = float32(math.Sqrt(-2*math.Log(u)) * math.Cos(2*math.Pi*v) * sigma)
	}
	return data
}

// ScaleModelInput divides every element by sqrt(sigma^2 + 1) into a new buffer.
func ScaleModelInput(latent []float32, sigma float64) []float32 {
	scale := math.Sqrt(sigma*sigma + 1)
	out := make([]float32, len(latent))
	for i, x := range latent {
		out[i] = float32(float64(x) / scale)
	}
	return out
}

// EulerStep takes the single Euler step from sigma to zero on the unscaled latent and divides
// the result by the VAE scaling factor, giving the decoder input.
func EulerStep(modelOutput, sample []float32, sigma, gamma float64) []float32 {
	sigmaHat := sigma * (gamma + 1)
	dt := 0 - sigmaHat
	out := make([]float32, len(sample))
	for i := range sample {
		s := float64(sample[i])
		predOriginal := s - sigmaHat*float64(modelOutput[i])
		derivative := (s - predOriginal) / sigmaHat
		out[i] = float32((s + derivative*dt) / VAEScalingFactor)
	}
	return out
}

// ClampImage maps decoder output from [-1, 1] to [0, 1] in place.
func ClampImage(pixels []float32) {
	for i, x := range pixels {
		y := x/2 + 0.5
		switch {
		case y < 0:
			y = 0
		case y > 1:
			y = 1
		}
		pixels[i] = y
	}
}
