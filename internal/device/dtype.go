package device

import (
	"fmt"

	"github.com/x448/float16"
)

// DType is the numeric precision of a tensor. Values are always stored as
// float32; Float16 tensors hold values that survived a binary16 round trip.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType maps the precision flag values "fp32" and "fp16" to a DType.
// An empty string selects Float32.
func ParseDType(s string) (DType, error) {
	switch s {
	case "", "fp32", "float32":
		return Float32, nil
	case "fp16", "float16", "half":
		return Float16, nil
	default:
		return Float32, fmt.Errorf("unknown precision: %s", s)
	}
}

// RoundFloat16 rounds every value to the nearest binary16 value in place.
// Out of range values saturate to +/-Inf like an fp16 cast does.
func RoundFloat16(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

// DecodeFloat16 converts little-endian binary16 bytes to float32.
func DecodeFloat16(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		bits := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}
