package pipelines

import (
	"fmt"

	"github.com/knights-analytics/sdturbo/backends"
	"github.com/knights-analytics/sdturbo/modelcache"
)

// Role names one of the three models of the pipeline.
type Role string

const (
	RoleTextEncoder Role = "text_encoder"
	RoleDenoiser    Role = "denoiser"
	RoleDecoder     Role = "decoder"
)

// LoadOrder is the order in which sessions are compiled.
var LoadOrder = []Role{RoleDenoiser, RoleTextEncoder, RoleDecoder}

const (
	// LatentScaleFactor maps pixel dimensions to latent dimensions.
	LatentScaleFactor = 0.125
	LatentChannels    = 4
	ImageChannels     = 3
	// EncoderHiddenSize is left free: it is whatever the text encoder produces.
	EncoderHiddenSize = -1

	MinDimension  = 64
	MaxDimension  = 2048
	MaxImageCount = 8
)

type Resolution struct {
	Width  int `json:"width" yaml:"width" toml:"width"`
	Height int `json:"height" yaml:"height" toml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Validate requires both dimensions to be multiples of 8 within [MinDimension, MaxDimension].
func (r Resolution) Validate() error {
	for _, d := range []struct {
		name  string
		value int
	}{{"width", r.Width}, {"height", r.Height}} {
		if d.value%8 != 0 {
			return fmt.Errorf("%w: %s %d is not a multiple of 8", ErrInvalidResolution, d.name, d.value)
		}
		if d.value < MinDimension || d.value > MaxDimension {
			return fmt.Errorf("%w: %s %d is outside [%d, %d]", ErrInvalidResolution, d.name, d.value, MinDimension, MaxDimension)
		}
	}
	return nil
}

// PipelineConfig is the shape of one generation run.
type PipelineConfig struct {
	Width             int
	Height            int
	ImageCount        int
	LatentScaleFactor float64
}

func (c PipelineConfig) LatentWidth() int64 {
	return int64(float64(c.Width) * c.LatentScaleFactor)
}

func (c PipelineConfig) LatentHeight() int64 {
	return int64(float64(c.Height) * c.LatentScaleFactor)
}

// LatentShape is [1, 4, H/8, W/8].
func (c PipelineConfig) LatentShape() backends.Shape {
	return backends.NewShape(1, LatentChannels, c.LatentHeight(), c.LatentWidth())
}

// ImageShape is [1, 3, H, W].
func (c PipelineConfig) ImageShape() backends.Shape {
	return backends.NewShape(1, ImageChannels, int64(c.Height), int64(c.Width))
}

// SameShape reports whether sessions compiled for c can serve other.
func (c PipelineConfig) SameShape(other PipelineConfig) bool {
	return c.Width == other.Width && c.Height == other.Height
}

// ModelDescriptor tells the session manager where a model lives and which shapes to bind it with.
type ModelDescriptor struct {
	Role                    Role
	RemoteURL               string
	RelativePath            string
	ApproxSizeKB            int
	FixedDimensionOverrides map[string]int64
	InputShapes             map[string]backends.Shape
}

// Spec is the compile request for the descriptor.
func (d ModelDescriptor) Spec() backends.ModelSpec {
	return backends.ModelSpec{
		Name:               string(d.Role),
		InputShapes:        d.InputShapes,
		DimensionOverrides: d.FixedDimensionOverrides,
	}
}

// Configuration is a validated PipelineConfig plus the descriptors derived from it.
type Configuration struct {
	Config      PipelineConfig
	Descriptors []ModelDescriptor
}

func (c Configuration) Descriptor(role Role) (ModelDescriptor, bool) {
	for _, d := range c.Descriptors {
		if d.Role == role {
			return d, true
		}
	}
	return ModelDescriptor{}, false
}

// Configure validates the request and derives the three model descriptors, in load order.
func Configure(resolution Resolution, imageCount int, baseURL string) (Configuration, error) {
	if err := resolution.Validate(); err != nil {
		return Configuration{}, err
	}
	if imageCount < 1 || imageCount > MaxImageCount {
		return Configuration{}, fmt.Errorf("%w: %d is outside [1, %d]", ErrInvalidImageCount, imageCount, MaxImageCount)
	}
	config := PipelineConfig{
		Width:             resolution.Width,
		Height:            resolution.Height,
		ImageCount:        imageCount,
		LatentScaleFactor: LatentScaleFactor,
	}
	latentHeight, latentWidth := config.LatentHeight(), config.LatentWidth()

	descriptor := func(role Role, path string, sizeKB int, overrides map[string]int64, shapes map[string]backends.Shape) ModelDescriptor {
		return ModelDescriptor{
			Role:                    role,
			RemoteURL:               modelcache.ResolveURL(baseURL, path),
			RelativePath:            path,
			ApproxSizeKB:            sizeKB,
			FixedDimensionOverrides: overrides,
			InputShapes:             shapes,
		}
	}
	return Configuration{
		Config: config,
		Descriptors: []ModelDescriptor{
			descriptor(RoleDenoiser, "unet/model.onnx", 640,
				map[string]int64{
					"batch_size":      1,
					"num_channels":    LatentChannels,
					"height":          latentHeight,
					"width":           latentWidth,
					"sequence_length": backends.MaxSequenceLength,
				},
				map[string]backends.Shape{
					"sample":                config.LatentShape(),
					"timestep":              backends.NewShape(1),
					"encoder_hidden_states": backends.NewShape(1, backends.MaxSequenceLength, EncoderHiddenSize),
				}),
			descriptor(RoleTextEncoder, "text_encoder/model.onnx", 1700,
				map[string]int64{"batch_size": 1},
				map[string]backends.Shape{
					"input_ids": backends.NewShape(1, backends.MaxSequenceLength),
				}),
			descriptor(RoleDecoder, "vae_decoder/model.onnx", 95,
				map[string]int64{
					"batch_size":          1,
					"num_channels_latent": LatentChannels,
					"height_latent":       latentHeight,
					"width_latent":        latentWidth,
				},
				map[string]backends.Shape{
					"latent_sample": config.LatentShape(),
				}),
		},
	}, nil
}
