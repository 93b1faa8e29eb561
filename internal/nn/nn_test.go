package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-backbone/internal/device"
)

func bnState(prefix string, withCounter bool) map[string]StateTensor {
	s := map[string]StateTensor{
		prefix + "weight":       {Shape: []int{2}, Data: []float32{2, 0.5}},
		prefix + "bias":         {Shape: []int{2}, Data: []float32{1, -1}},
		prefix + "running_mean": {Shape: []int{2}, Data: []float32{3, 0}},
		prefix + "running_var":  {Shape: []int{2}, Data: []float32{4, 0}},
	}
	if withCounter {
		s[prefix+"num_batches_tracked"] = StateTensor{Shape: nil, Data: []float32{100}}
	}
	return s
}

func TestFrozenBatchNorm2d_Forward(t *testing.T) {
	backend := device.NewCPUBackend()
	bn := NewFrozenBatchNorm2d(backend, 2)
	state := NewState(bnState("bn1.", false))
	require.NoError(t, bn.LoadState("bn1.", state))
	require.NoError(t, state.Err())

	x := backend.NewTensor([]int{1, 2, 1, 2}, []float32{5, 7, 1, -2})
	out := bn.Forward(x).ToHost()

	scale0 := 2 / math.Sqrt(4+FrozenBatchNormEps)
	assert.InDelta(t, (5-3)*scale0+1, out[0], 1e-5)
	assert.InDelta(t, (7-3)*scale0+1, out[1], 1e-5)

	// Zero variance must not produce NaN or Inf.
	scale1 := 0.5 / math.Sqrt(FrozenBatchNormEps)
	assert.InDelta(t, 1*scale1-1, out[2], 1e-2)
	for _, v := range out {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestFrozenBatchNorm2d_Identity(t *testing.T) {
	backend := device.NewCPUBackend()
	bn := NewFrozenBatchNorm2d(backend, 3)
	x := backend.NewTensor([]int{2, 3, 2, 2}, nil)
	for i := range x.Data() {
		x.Data()[i] = float32(i) - 10
	}
	want := x.ToHost()
	got := bn.Forward(x).ToHost()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-3)
	}
}

func TestFrozenBatchNorm2d_LoadState(t *testing.T) {
	backend := device.NewCPUBackend()

	t.Run("with legacy counter", func(t *testing.T) {
		bn := NewFrozenBatchNorm2d(backend, 2)
		state := NewState(bnState("layer1.0.bn1.", true))
		require.NoError(t, bn.LoadState("layer1.0.bn1.", state))
		assert.NoError(t, state.Err())
		assert.Empty(t, state.Unexpected())
		assert.False(t, state.Has("layer1.0.bn1.num_batches_tracked"))
		assert.Equal(t, []float32{3, 0}, bn.RunningMean.ToHost())
	})

	t.Run("without legacy counter", func(t *testing.T) {
		bn := NewFrozenBatchNorm2d(backend, 2)
		state := NewState(bnState("", false))
		require.NoError(t, bn.LoadState("", state))
		assert.NoError(t, state.Err())
		assert.Equal(t, []float32{4, 0}, bn.RunningVar.ToHost())
	})

	t.Run("missing buffer", func(t *testing.T) {
		bn := NewFrozenBatchNorm2d(backend, 2)
		s := bnState("", false)
		delete(s, "running_var")
		state := NewState(s)
		require.NoError(t, bn.LoadState("", state))
		assert.ErrorIs(t, state.Err(), ErrMissingKey)
		assert.Equal(t, []string{"running_var"}, state.Missing())
	})

	t.Run("shape mismatch", func(t *testing.T) {
		bn := NewFrozenBatchNorm2d(backend, 3)
		err := bn.LoadState("", NewState(bnState("", false)))
		assert.ErrorIs(t, err, device.ErrShapeMismatch)
	})

	t.Run("buffers are not parameters", func(t *testing.T) {
		bn := NewFrozenBatchNorm2d(backend, 2)
		assert.Empty(t, bn.NamedParameters(""))
		assert.Len(t, bn.NamedBuffers("bn."), 4)
	})
}

func TestConv2d(t *testing.T) {
	backend := device.NewCPUBackend()
	conv := NewConv2d(backend, 4, 8, 3, device.ConvParams{Padding: 1}, true)

	params := conv.NamedParameters("conv1.")
	require.Len(t, params, 2)
	assert.Equal(t, "conv1.weight", params[0].Name)
	assert.Equal(t, "conv1.bias", params[1].Name)
	assert.True(t, params[0].RequiresGrad)

	params[0].SetRequiresGrad(false)
	assert.False(t, conv.Weight.RequiresGrad, "named parameters share the module's parameter")

	conv.KaimingNormal(rand.New(rand.NewSource(1)))
	var sumSq float64
	for _, v := range conv.Weight.Value.Data() {
		sumSq += float64(v) * float64(v)
	}
	std := math.Sqrt(sumSq / float64(conv.Weight.Value.Size()))
	assert.InDelta(t, math.Sqrt(2.0/(8*9)), std, 0.05)

	out := conv.Forward(backend.NewTensor([]int{1, 4, 5, 5}, nil))
	assert.Equal(t, []int{1, 8, 5, 5}, out.Shape())
}
