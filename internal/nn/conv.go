package nn

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-backbone/internal/device"
)

// Conv2d is a 2-D convolution with an optional bias.
type Conv2d struct {
	Weight *Parameter
	Bias   *Parameter
	Params device.ConvParams
}

// NewConv2d allocates a zeroed in -> out convolution with a square kernel.
func NewConv2d(backend device.Backend, in, out, kernel int, p device.ConvParams, bias bool) *Conv2d {
	groups := p.Groups
	if groups <= 0 {
		groups = 1
	}
	c := &Conv2d{
		Weight: NewParameter(backend.NewTensor([]int{out, in / groups, kernel, kernel}, nil)),
		Params: p,
	}
	if bias {
		c.Bias = NewParameter(backend.NewTensor([]int{out}, nil))
	}
	return c
}

// Forward convolves x.
func (c *Conv2d) Forward(x device.Tensor) device.Tensor {
	var bias device.Tensor
	if c.Bias != nil {
		bias = c.Bias.Value
	}
	return x.Conv2D(c.Weight.Value, bias, c.Params)
}

// KaimingNormal fills the weight from N(0, 2/fan_out), the initialisation
// torchvision uses for ResNet convolutions.
func (c *Conv2d) KaimingNormal(rng *rand.Rand) {
	shape := c.Weight.Value.Shape()
	fanOut := shape[0] * shape[2] * shape[3]
	std := math.Sqrt(2.0 / float64(fanOut))

	data := make([]float32, c.Weight.Value.Size())
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
	c.Weight.Value.CopyFromFloat32(data)
}

func (c *Conv2d) NamedParameters(prefix string) []NamedParameter {
	params := []NamedParameter{{Name: prefix + "weight", Parameter: c.Weight}}
	if c.Bias != nil {
		params = append(params, NamedParameter{Name: prefix + "bias", Parameter: c.Bias})
	}
	return params
}

func (c *Conv2d) NamedBuffers(prefix string) []Buffer {
	return nil
}

func (c *Conv2d) LoadState(prefix string, state *State) error {
	if err := state.Restore(prefix+"weight", c.Weight.Value); err != nil {
		return err
	}
	if c.Bias != nil {
		return state.Restore(prefix+"bias", c.Bias.Value)
	}
	return nil
}
