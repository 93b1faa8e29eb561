package device

import "errors"

// ErrShapeMismatch is raised (via panic) when tensor shapes are incompatible.
// Shape errors are programmer bugs, not runtime conditions.
var ErrShapeMismatch = errors.New("device: shape mismatch")

// Tensor represents a dense multi-dimensional float array.
// Image tensors use NCHW layout; parameters may be 1-D.
type Tensor interface {
	// Shape returns a copy of the tensor dimensions.
	Shape() []int

	// Size returns the total number of elements.
	Size() int

	// DType reports the numeric precision of the values held.
	DType() DType

	// Data returns the underlying slice. Writes are visible to the tensor.
	Data() []float32

	// ToHost copies the data to a new Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Clone returns a deep copy.
	Clone() Tensor

	// Cast returns a tensor with the given precision. Casting to the
	// current precision returns the receiver.
	Cast(dtype DType) Tensor

	// Reshape returns a view with a new shape and the same element count.
	Reshape(shape ...int) Tensor

	// Narrow returns a view of batch items [start, end) of an NCHW tensor.
	Narrow(start, end int) Tensor

	// Operations

	// Conv2D convolves an NCHW input with weight [O, C/groups, kh, kw].
	// bias may be nil.
	Conv2D(weight, bias Tensor, p ConvParams) Tensor

	// ChannelAffine performs x[:, c] = x[:, c]*scale[c] + shift[c] (In-Place).
	ChannelAffine(scale, shift []float32)

	// ReLU applies max(x, 0) (In-Place).
	ReLU()

	// Add performs element-wise addition: t = t + other (In-Place).
	Add(other Tensor)

	// MaxPool2D applies max pooling with implicit -inf padding.
	MaxPool2D(kernel, stride, pad int) Tensor

	// InterpolateNearest resizes the spatial dims of an NCHW tensor using
	// nearest neighbour sampling (src = floor(dst * in / out)).
	InterpolateNearest(h, w int) Tensor

	// ExtractPatches unfolds kernel x kernel patches with "same" padding.
	// Output is [N, kernel*kernel*C, ceil(H/stride), ceil(W/stride)].
	ExtractPatches(kernel, stride, dilation int) Tensor
}

// ConvParams configures a 2-D convolution.
type ConvParams struct {
	Stride   int
	Padding  int
	Dilation int
	Groups   int
}

func (p ConvParams) normalized() ConvParams {
	if p.Stride <= 0 {
		p.Stride = 1
	}
	if p.Dilation <= 0 {
		p.Dilation = 1
	}
	if p.Groups <= 0 {
		p.Groups = 1
	}
	return p
}

// Backend creates tensors and manages memory.
type Backend interface {
	Name() string

	// NewTensor allocates a tensor. data may be nil for a zeroed tensor.
	NewTensor(shape []int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(shape ...int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

// ConvOutputSize returns the output length of a convolution along one axis.
func ConvOutputSize(in, kernel, stride, pad, dilation int) int {
	return (in+2*pad-dilation*(kernel-1)-1)/stride + 1
}
