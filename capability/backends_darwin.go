//go:build !cgo && darwin && !js

package capability

import (
	_ "github.com/gogpu/wgpu/hal/metal"
)
