//go:build !cgo

package capability

import (
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/phuslu/log"
)

// NewProber returns the in-process HAL prober.
func NewProber() Prober {
	return NewHALProber()
}

// HALProber enumerates GPU adapters through the wgpu HAL.
type HALProber struct {
	backends func() []hal.Backend
}

// NewHALProber returns a prober over every backend registered with the HAL.
func NewHALProber() *HALProber {
	return &HALProber{backends: registeredBackends}
}

// NewHALProberWithBackends returns a prober over the given backends only.
func NewHALProberWithBackends(backends ...hal.Backend) *HALProber {
	return &HALProber{backends: func() []hal.Backend { return backends }}
}

func registeredBackends() []hal.Backend {
	variants := hal.AvailableBackends()
	sort.Slice(variants, func(i, j int) bool { return variants[i] < variants[j] })
	backends := make([]hal.Backend, 0, len(variants))
	for _, variant := range variants {
		if variant == gputypes.BackendEmpty {
			// noop and software renderers
			continue
		}
		if b, ok := hal.GetBackend(variant); ok {
			backends = append(backends, b)
		}
	}
	return backends
}

// Probe returns true iff some non-CPU adapter exposes gputypes.FeatureShaderF16.
func (p *HALProber) Probe() bool {
	return NewReport(p.ProbeReport()).Supported
}

// ProbeReport returns every adapter inspected, across all backends.
func (p *HALProber) ProbeReport() []AdapterReport {
	var reports []AdapterReport
	for _, backend := range p.backends() {
		reports = append(reports, probeBackend(backend)...)
	}
	if len(reports) == 0 {
		log.Debug().Msg("no GPU adapters found")
	}
	return reports
}

func probeBackend(backend hal.Backend) []AdapterReport {
	variant := backend.Variant()
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Backends: gputypes.Backends(1) << variant})
	if err != nil {
		log.Debug().Str("backend", variant.String()).Err(err).Msg("cannot create GPU instance")
		return nil
	}
	if instance == nil {
		return nil
	}
	defer instance.Destroy()

	adapters := instance.EnumerateAdapters(nil)
	reports := make([]AdapterReport, 0, len(adapters))
	for _, exposed := range adapters {
		report := AdapterReport{
			Name:       exposed.Info.Name,
			Vendor:     exposed.Info.Vendor,
			Backend:    variant.String(),
			DeviceType: exposed.Info.DeviceType.String(),
			CPU:        exposed.Info.DeviceType == gputypes.DeviceTypeCPU,
			ShaderF16:  exposed.Features.Contains(gputypes.FeatureShaderF16),
		}
		log.Debug().Str("adapter", report.Name).
			Str("backend", report.Backend).
			Str("deviceType", report.DeviceType).
			Bool("shaderF16", report.ShaderF16).
			Msg("GPU adapter")
		reports = append(reports, report)
		if exposed.Adapter != nil {
			exposed.Adapter.Destroy()
		}
	}
	return reports
}
