//go:build cgo

package capability

// NewProber returns a prober running the sdturbo-gpu helper, since the HAL does not link with cgo.
func NewProber() Prober {
	return NewProcessProber(DefaultHelperPath())
}
