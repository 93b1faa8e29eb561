package simd

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecScaleShift performs dst = dst * scale + shift in place.
// This is the per-channel kernel behind frozen batch norm.
func VecScaleShift(dst []float32, scale, shift float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = dst[i]*scale + shift
		dst[i+1] = dst[i+1]*scale + shift
		dst[i+2] = dst[i+2]*scale + shift
		dst[i+3] = dst[i+3]*scale + shift
	}
	for ; i < len(dst); i++ {
		dst[i] = dst[i]*scale + shift
	}
}

// VecFill sets every element of dst to v
func VecFill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}

// Relu clamps negative values to zero in place
func Relu(data []float32) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Sum returns the sum of all elements
func Sum(a []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		s0 += a[i]
		s1 += a[i+1]
		s2 += a[i+2]
		s3 += a[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i]
	}
	return s0 + s1 + s2 + s3
}

// MaxValue returns the largest element of a non-empty slice
func MaxValue(a []float32) float32 {
	m := a[0]
	for _, v := range a[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
