//go:build !cgo && !android && !js

package capability

import (
	_ "github.com/gogpu/wgpu/hal/vulkan"
)
