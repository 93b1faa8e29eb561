// Package resnet implements the torchvision ResNet body (stem and four
// residual stages) on the device tensor backend. The classifier head is not
// built; parameter names match torchvision state dicts.
package resnet

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-backbone/internal/device"
	"github.com/23skdu/longbow-backbone/internal/nn"
)

var (
	// ErrDilationUnsupported is returned when a basic-block network is asked
	// to trade stride for dilation.
	ErrDilationUnsupported = errors.New("resnet: dilation > 1 not supported in BasicBlock")

	// ErrInvalidConfig is returned for structurally invalid configurations.
	ErrInvalidConfig = errors.New("resnet: invalid config")
)

// LayerNames are the four residual stages in depth order.
var LayerNames = [4]string{"layer1", "layer2", "layer3", "layer4"}

// BlockKind selects the residual block type.
type BlockKind int

const (
	Basic BlockKind = iota
	Bottleneck
)

// Expansion is the output channel multiplier of the block type.
func (k BlockKind) Expansion() int {
	if k == Bottleneck {
		return 4
	}
	return 1
}

// Config describes a ResNet architecture.
type Config struct {
	Block         BlockKind
	Layers        [4]int
	Groups        int
	WidthPerGroup int

	// ReplaceStrideWithDilation swaps the stride-2 of layer2..layer4 for
	// dilation, keeping spatial resolution.
	ReplaceStrideWithDilation [3]bool

	// NormLayer builds normalisation layers. Defaults to FrozenBatchNorm2d.
	NormLayer nn.NormFactory

	// Seed drives weight initialisation.
	Seed int64
}

// Block is a residual block.
type Block interface {
	nn.Module
	Forward(x device.Tensor) device.Tensor
}

// Stage is one named intermediate output.
type Stage struct {
	Name   string
	Output device.Tensor
}

// ResNet is the convolutional body: conv1, bn1, relu, maxpool, layer1..4.
type ResNet struct {
	Config  Config
	Backend device.Backend
	Conv1   *nn.Conv2d
	BN1     nn.Norm
	Layers  [4][]Block

	inplanes int
	dilation int
	convs    []*nn.Conv2d
}

// New builds a randomly initialised ResNet.
func New(config Config, backend device.Backend) (*ResNet, error) {
	if config.Groups <= 0 {
		config.Groups = 1
	}
	if config.WidthPerGroup <= 0 {
		config.WidthPerGroup = 64
	}
	if config.NormLayer == nil {
		config.NormLayer = nn.FrozenBatchNorm
	}
	for i, n := range config.Layers {
		if n <= 0 {
			return nil, fmt.Errorf("%w: layer%d has %d blocks", ErrInvalidConfig, i+1, n)
		}
	}
	if config.Block == Basic && (config.Groups != 1 || config.WidthPerGroup != 64) {
		return nil, fmt.Errorf("%w: BasicBlock only supports groups=1 and width_per_group=64", ErrInvalidConfig)
	}

	r := &ResNet{
		Config:   config,
		Backend:  backend,
		inplanes: 64,
		dilation: 1,
	}
	r.Conv1 = r.conv(3, 64, 7, device.ConvParams{Stride: 2, Padding: 3})
	r.BN1 = config.NormLayer(backend, 64)

	planes := [4]int{64, 128, 256, 512}
	for i := range r.Layers {
		stride := 1
		dilate := false
		if i > 0 {
			stride = 2
			dilate = config.ReplaceStrideWithDilation[i-1]
		}
		blocks, err := r.makeLayer(planes[i], config.Layers[i], stride, dilate)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", LayerNames[i], err)
		}
		r.Layers[i] = blocks
	}

	r.initWeights()
	return r, nil
}

func (r *ResNet) conv(in, out, kernel int, p device.ConvParams) *nn.Conv2d {
	c := nn.NewConv2d(r.Backend, in, out, kernel, p, false)
	r.convs = append(r.convs, c)
	return c
}

func (r *ResNet) makeLayer(planes, blocks, stride int, dilate bool) ([]Block, error) {
	expansion := r.Config.Block.Expansion()
	previousDilation := r.dilation
	if dilate {
		r.dilation *= stride
		stride = 1
	}

	var downsample *Downsample
	if stride != 1 || r.inplanes != planes*expansion {
		downsample = &Downsample{
			Conv: r.conv(r.inplanes, planes*expansion, 1, device.ConvParams{Stride: stride}),
			Norm: r.Config.NormLayer(r.Backend, planes*expansion),
		}
	}

	layers := make([]Block, 0, blocks)
	first, err := r.newBlock(planes, stride, previousDilation, downsample)
	if err != nil {
		return nil, err
	}
	layers = append(layers, first)
	r.inplanes = planes * expansion

	for i := 1; i < blocks; i++ {
		b, err := r.newBlock(planes, 1, r.dilation, nil)
		if err != nil {
			return nil, err
		}
		layers = append(layers, b)
	}
	return layers, nil
}

func (r *ResNet) newBlock(planes, stride, dilation int, downsample *Downsample) (Block, error) {
	norm := r.Config.NormLayer
	if r.Config.Block == Basic {
		if dilation > 1 {
			return nil, ErrDilationUnsupported
		}
		return &BasicBlock{
			Conv1:      r.conv(r.inplanes, planes, 3, device.ConvParams{Stride: stride, Padding: 1}),
			BN1:        norm(r.Backend, planes),
			Conv2:      r.conv(planes, planes, 3, device.ConvParams{Padding: 1}),
			BN2:        norm(r.Backend, planes),
			Downsample: downsample,
		}, nil
	}

	width := planes * r.Config.WidthPerGroup / 64 * r.Config.Groups
	out := planes * Bottleneck.Expansion()
	return &BottleneckBlock{
		Conv1: r.conv(r.inplanes, width, 1, device.ConvParams{}),
		BN1:   norm(r.Backend, width),
		Conv2: r.conv(width, width, 3, device.ConvParams{
			Stride:   stride,
			Padding:  dilation,
			Dilation: dilation,
			Groups:   r.Config.Groups,
		}),
		BN2:        norm(r.Backend, width),
		Conv3:      r.conv(width, out, 1, device.ConvParams{}),
		BN3:        norm(r.Backend, out),
		Downsample: downsample,
	}, nil
}

// initWeights applies Kaiming-normal (fan_out) initialisation to every conv.
// Norm layers keep their identity initialisation.
func (r *ResNet) initWeights() {
	rng := rand.New(rand.NewSource(r.Config.Seed))
	for _, c := range r.convs {
		c.KaimingNormal(rng)
	}
}

// StageChannels returns the output channel count of layer1..layer4.
func (r *ResNet) StageChannels() [4]int {
	e := r.Config.Block.Expansion()
	return [4]int{64 * e, 128 * e, 256 * e, 512 * e}
}

// Stem runs conv1, bn1, relu and maxpool.
func (r *ResNet) Stem(x device.Tensor) device.Tensor {
	start := time.Now()
	out := r.BN1.Forward(r.Conv1.Forward(x))
	out.ReLU()
	out = out.MaxPool2D(3, 2, 1)
	LayerDuration.WithLabelValues("stem", r.Backend.Name()).Observe(time.Since(start).Seconds())
	return out
}

// ForwardLayers runs the body and returns the outputs of the requested
// stages in depth order. Execution stops after the deepest requested stage.
func (r *ResNet) ForwardLayers(x device.Tensor, names map[string]bool) []Stage {
	deepest := -1
	for i, name := range LayerNames {
		if names[name] {
			deepest = i
		}
	}
	if deepest < 0 {
		return nil
	}

	out := r.Stem(x)
	stages := make([]Stage, 0, len(names))
	for i := 0; i <= deepest; i++ {
		start := time.Now()
		for _, b := range r.Layers[i] {
			out = b.Forward(out)
		}
		LayerDuration.WithLabelValues(LayerNames[i], r.Backend.Name()).Observe(time.Since(start).Seconds())
		if names[LayerNames[i]] {
			stages = append(stages, Stage{Name: LayerNames[i], Output: out})
		}
	}
	return stages
}

func (r *ResNet) NamedParameters(prefix string) []nn.NamedParameter {
	params := r.Conv1.NamedParameters(prefix + "conv1.")
	params = append(params, r.BN1.NamedParameters(prefix+"bn1.")...)
	for i, layer := range r.Layers {
		for j, b := range layer {
			params = append(params, b.NamedParameters(fmt.Sprintf("%s%s.%d.", prefix, LayerNames[i], j))...)
		}
	}
	return params
}

func (r *ResNet) NamedBuffers(prefix string) []nn.Buffer {
	bufs := r.BN1.NamedBuffers(prefix + "bn1.")
	for i, layer := range r.Layers {
		for j, b := range layer {
			bufs = append(bufs, b.NamedBuffers(fmt.Sprintf("%s%s.%d.", prefix, LayerNames[i], j))...)
		}
	}
	return bufs
}

func (r *ResNet) LoadState(prefix string, state *nn.State) error {
	if err := r.Conv1.LoadState(prefix+"conv1.", state); err != nil {
		return err
	}
	if err := r.BN1.LoadState(prefix+"bn1.", state); err != nil {
		return err
	}
	for i, layer := range r.Layers {
		for j, b := range layer {
			if err := b.LoadState(fmt.Sprintf("%s%s.%d.", prefix, LayerNames[i], j), state); err != nil {
				return err
			}
		}
	}
	return nil
}
