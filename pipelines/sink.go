package pipelines

import (
	"context"
	"image"
	"sort"
	"sync"

	"github.com/knights-analytics/sdturbo/backends"
	"github.com/knights-analytics/sdturbo/util/imageutil"
)

// Sink presents decoded images. The tensor is NCHW [1, 3, H, W] with values in [0, 1];
// it is released by the engine after Draw returns and must not be retained.
type Sink interface {
	Draw(ctx context.Context, tensor *backends.Tensor, slot int) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, tensor *backends.Tensor, slot int) error

func (f SinkFunc) Draw(ctx context.Context, tensor *backends.Tensor, slot int) error {
	return f(ctx, tensor, slot)
}

// CollectSink keeps every drawn image in memory, by slot.
type CollectSink struct {
	mu     sync.Mutex
	images map[int]*image.RGBA
}

func NewCollectSink() *CollectSink {
	return &CollectSink{images: map[int]*image.RGBA{}}
}

func (c *CollectSink) Draw(_ context.Context, tensor *backends.Tensor, slot int) error {
	img, err := imageutil.TensorToRGBA(tensor)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[slot] = img
	return nil
}

// Image returns the image drawn into slot.
func (c *CollectSink) Image(slot int) (*image.RGBA, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[slot]
	return img, ok
}

// Slots returns the slots drawn so far, in ascending order.
func (c *CollectSink) Slots() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots := make([]int, 0, len(c.images))
	for slot := range c.images {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}
