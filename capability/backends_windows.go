//go:build !cgo && windows && !js

package capability

import (
	_ "github.com/gogpu/wgpu/hal/dx12"
)
