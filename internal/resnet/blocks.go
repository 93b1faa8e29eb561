package resnet

import (
	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/nn"
)

// Downsample projects the residual path when shape changes (conv1x1 + norm).
// State-dict names are downsample.0 and downsample.1.
type Downsample struct {
	Conv *nn.Conv2d
	Norm nn.Norm
}

func (d *Downsample) Forward(x device.Tensor) device.Tensor {
	return d.Norm.Forward(d.Conv.Forward(x))
}

func (d *Downsample) NamedParameters(prefix string) []nn.NamedParameter {
	params := d.Conv.NamedParameters(prefix + "0.")
	return append(params, d.Norm.NamedParameters(prefix+"1.")...)
}

func (d *Downsample) NamedBuffers(prefix string) []nn.Buffer {
	return append(d.Conv.NamedBuffers(prefix+"0."), d.Norm.NamedBuffers(prefix+"1.")...)
}

func (d *Downsample) LoadState(prefix string, state *nn.State) error {
	if err := d.Conv.LoadState(prefix+"0.", state); err != nil {
		return err
	}
	return d.Norm.LoadState(prefix+"1.", state)
}

// BasicBlock is two 3x3 convolutions with a residual connection.
type BasicBlock struct {
	Conv1      *nn.Conv2d
	BN1        nn.Norm
	Conv2      *nn.Conv2d
	BN2        nn.Norm
	Downsample *Downsample
}

func (b *BasicBlock) Forward(x device.Tensor) device.Tensor {
	identity := x
	if b.Downsample != nil {
		identity = b.Downsample.Forward(x)
	}

	out := b.BN1.Forward(b.Conv1.Forward(x))
	out.ReLU()
	out = b.BN2.Forward(b.Conv2.Forward(out))

	out.Add(identity)
	out.ReLU()
	return out
}

func (b *BasicBlock) NamedParameters(prefix string) []nn.NamedParameter {
	var params []nn.NamedParameter
	params = append(params, b.Conv1.NamedParameters(prefix+"conv1.")...)
	params = append(params, b.BN1.NamedParameters(prefix+"bn1.")...)
	params = append(params, b.Conv2.NamedParameters(prefix+"conv2.")...)
	params = append(params, b.BN2.NamedParameters(prefix+"bn2.")...)
	if b.Downsample != nil {
		params = append(params, b.Downsample.NamedParameters(prefix+"downsample.")...)
	}
	return params
}

func (b *BasicBlock) NamedBuffers(prefix string) []nn.Buffer {
	var bufs []nn.Buffer
	bufs = append(bufs, b.BN1.NamedBuffers(prefix+"bn1.")...)
	bufs = append(bufs, b.BN2.NamedBuffers(prefix+"bn2.")...)
	if b.Downsample != nil {
		bufs = append(bufs, b.Downsample.NamedBuffers(prefix+"downsample.")...)
	}
	return bufs
}

func (b *BasicBlock) LoadState(prefix string, state *nn.State) error {
	for _, step := range []struct {
		name string
		m    nn.Module
	}{
		{"conv1.", b.Conv1}, {"bn1.", b.BN1}, {"conv2.", b.Conv2}, {"bn2.", b.BN2},
	} {
		if err := step.m.LoadState(prefix+step.name, state); err != nil {
			return err
		}
	}
	if b.Downsample != nil {
		return b.Downsample.LoadState(prefix+"downsample.", state)
	}
	return nil
}

// BottleneckBlock is 1x1 reduce, 3x3 (grouped, dilated) and 1x1 expand
// convolutions with a residual connection.
type BottleneckBlock struct {
	Conv1      *nn.Conv2d
	BN1        nn.Norm
	Conv2      *nn.Conv2d
	BN2        nn.Norm
	Conv3      *nn.Conv2d
	BN3        nn.Norm
	Downsample *Downsample
}

func (b *BottleneckBlock) Forward(x device.Tensor) device.Tensor {
	identity := x
	if b.Downsample != nil {
		identity = b.Downsample.Forward(x)
	}

	out := b.BN1.Forward(b.Conv1.Forward(x))
	out.ReLU()
	out = b.BN2.Forward(b.Conv2.Forward(out))
	out.ReLU()
	out = b.BN3.Forward(b.Conv3.Forward(out))

	out.Add(identity)
	out.ReLU()
	return out
}

func (b *BottleneckBlock) modules() []struct {
	name string
	m    nn.Module
} {
	return []struct {
		name string
		m    nn.Module
	}{
		{"conv1.", b.Conv1}, {"bn1.", b.BN1},
		{"conv2.", b.Conv2}, {"bn2.", b.BN2},
		{"conv3.", b.Conv3}, {"bn3.", b.BN3},
	}
}

func (b *BottleneckBlock) NamedParameters(prefix string) []nn.NamedParameter {
	var params []nn.NamedParameter
	for _, step := range b.modules() {
		params = append(params, step.m.NamedParameters(prefix+step.name)...)
	}
	if b.Downsample != nil {
		params = append(params, b.Downsample.NamedParameters(prefix+"downsample.")...)
	}
	return params
}

func (b *BottleneckBlock) NamedBuffers(prefix string) []nn.Buffer {
	var bufs []nn.Buffer
	for _, step := range b.modules() {
		bufs = append(bufs, step.m.NamedBuffers(prefix+step.name)...)
	}
	if b.Downsample != nil {
		bufs = append(bufs, b.Downsample.NamedBuffers(prefix+"downsample.")...)
	}
	return bufs
}

func (b *BottleneckBlock) LoadState(prefix string, state *nn.State) error {
	for _, step := range b.modules() {
		if err := step.m.LoadState(prefix+step.name, state); err != nil {
			return err
		}
	}
	if b.Downsample != nil {
		return b.Downsample.LoadState(prefix+"downsample.", state)
	}
	return nil
}
