package nn

import (
	"math"

	"github.com/23skdu/longbow-backbone/internal/device"
)

// FrozenBatchNormEps is added to the running variance before the inverse
// square root. Without it, checkpoints other than resnet18/34/50/101
// produce NaNs on channels whose variance is zero.
const FrozenBatchNormEps = 1e-5

// FrozenBatchNorm2d is BatchNorm2d where the batch statistics and the affine
// parameters are fixed. All four tensors are buffers: they are restored from
// checkpoints and never receive gradients.
type FrozenBatchNorm2d struct {
	Weight      device.Tensor
	Bias        device.Tensor
	RunningMean device.Tensor
	RunningVar  device.Tensor
}

// NewFrozenBatchNorm2d returns an identity normalisation over n channels
// (weight 1, bias 0, mean 0, var 1).
func NewFrozenBatchNorm2d(backend device.Backend, n int) *FrozenBatchNorm2d {
	ones := make([]float32, n)
	for i := range ones {
		ones[i] = 1
	}
	return &FrozenBatchNorm2d{
		Weight:      backend.NewTensor([]int{n}, ones),
		Bias:        backend.NewTensor([]int{n}, nil),
		RunningMean: backend.NewTensor([]int{n}, nil),
		RunningVar:  backend.NewTensor([]int{n}, ones),
	}
}

// FrozenBatchNorm is a NormFactory producing FrozenBatchNorm2d layers.
func FrozenBatchNorm(backend device.Backend, channels int) Norm {
	return NewFrozenBatchNorm2d(backend, channels)
}

// ScaleShift folds the statistics into a per-channel affine transform:
// scale = w / sqrt(var + eps), shift = b - mean * scale.
func (bn *FrozenBatchNorm2d) ScaleShift() ([]float32, []float32) {
	w := bn.Weight.Data()
	b := bn.Bias.Data()
	rm := bn.RunningMean.Data()
	rv := bn.RunningVar.Data()

	scale := make([]float32, len(w))
	shift := make([]float32, len(w))
	for c := range w {
		s := float64(w[c]) / math.Sqrt(float64(rv[c])+FrozenBatchNormEps)
		scale[c] = float32(s)
		shift[c] = float32(float64(b[c]) - float64(rm[c])*s)
	}
	return scale, shift
}

// Forward normalises x (In-Place) and returns it.
func (bn *FrozenBatchNorm2d) Forward(x device.Tensor) device.Tensor {
	scale, shift := bn.ScaleShift()
	x.ChannelAffine(scale, shift)
	return x
}

func (bn *FrozenBatchNorm2d) NamedParameters(prefix string) []NamedParameter {
	return nil
}

func (bn *FrozenBatchNorm2d) NamedBuffers(prefix string) []Buffer {
	return []Buffer{
		{Name: prefix + "weight", Value: bn.Weight},
		{Name: prefix + "bias", Value: bn.Bias},
		{Name: prefix + "running_mean", Value: bn.RunningMean},
		{Name: prefix + "running_var", Value: bn.RunningVar},
	}
}

// LoadState restores the four buffers. Checkpoints written by a trainable
// BatchNorm2d also carry num_batches_tracked, which has no effect here and
// is dropped whether or not it is present.
func (bn *FrozenBatchNorm2d) LoadState(prefix string, state *State) error {
	state.Delete(prefix + "num_batches_tracked")
	for _, buf := range bn.NamedBuffers(prefix) {
		if err := state.Restore(buf.Name, buf.Value); err != nil {
			return err
		}
	}
	return nil
}
