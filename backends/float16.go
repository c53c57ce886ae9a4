package backends

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"
)

// Float32ToFloat16Bytes packs values as little endian IEEE 754 half precision.
func Float32ToFloat16Bytes(values []float32) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// Float16BytesToFloat32 unpacks little endian half precision values.
func Float16BytesToFloat32(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("float16 buffer has odd length %d", len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
	}
	return out, nil
}
