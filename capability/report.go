// Package capability decides whether the host can run the diffusion pipeline at all:
// a GPU adapter that supports half precision shaders must be present.
//
// The wgpu HAL used to enumerate adapters only links with CGO_ENABLED=0. Builds without
// cgo inspect adapters in process; cgo builds (the ONNX Runtime one) run the sdturbo-gpu
// helper binary and read its json report.
package capability

// AdapterReport describes one adapter seen while probing.
type AdapterReport struct {
	Name       string `json:"name"`
	Vendor     string `json:"vendor,omitempty"`
	Backend    string `json:"backend"`
	DeviceType string `json:"deviceType"`
	CPU        bool   `json:"cpu"`
	ShaderF16  bool   `json:"shaderF16"`
}

// Usable reports whether the adapter can host the pipeline.
func (r AdapterReport) Usable() bool {
	return r.ShaderF16 && !r.CPU
}

// Report is the json document printed by `sdturbo probe` and the sdturbo-gpu helper.
type Report struct {
	Supported bool            `json:"supported"`
	Adapters  []AdapterReport `json:"adapters"`
}

// NewReport summarises the adapters seen.
func NewReport(adapters []AdapterReport) Report {
	report := Report{Adapters: adapters}
	for _, adapter := range adapters {
		report.Supported = report.Supported || adapter.Usable()
	}
	return report
}

// Prober enumerates GPU adapters. Implementations hold no adapter between calls,
// so Probe can be called any number of times.
type Prober interface {
	Probe() bool
	ProbeReport() []AdapterReport
}
