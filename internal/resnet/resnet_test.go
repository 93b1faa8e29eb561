package resnet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-backbone/internal/device"
)

func allLayers() map[string]bool {
	return map[string]bool{"layer1": true, "layer2": true, "layer3": true, "layer4": true}
}

func tinyBottleneck() Config {
	return Config{Block: Bottleneck, Layers: [4]int{1, 1, 1, 2}, Seed: 7}
}

func TestResNet18Forward(t *testing.T) {
	backend := device.NewCPUBackend()
	net, err := New(Architectures["resnet18"], backend)
	require.NoError(t, err)

	x := backend.NewTensor([]int{2, 3, 64, 48}, nil)
	for i := range x.Data() {
		x.Data()[i] = float32(i%17) / 17
	}

	stages := net.ForwardLayers(x, allLayers())
	require.Len(t, stages, 4)

	wantHW := [][2]int{{16, 12}, {8, 6}, {4, 3}, {2, 2}}
	channels := net.StageChannels()
	assert.Equal(t, [4]int{64, 128, 256, 512}, channels)
	for i, s := range stages {
		assert.Equal(t, LayerNames[i], s.Name)
		assert.Equal(t, []int{2, channels[i], wantHW[i][0], wantHW[i][1]}, s.Output.Shape())
	}

	// Output of a ReLU network is non-negative and not all zero.
	hasPositive := false
	for _, v := range stages[3].Output.Data() {
		require.GreaterOrEqual(t, v, float32(0))
		if v > 0 {
			hasPositive = true
		}
	}
	assert.True(t, hasPositive)
}

func TestForwardLayersSubset(t *testing.T) {
	backend := device.NewCPUBackend()
	net, err := New(tinyBottleneck(), backend)
	require.NoError(t, err)

	x := backend.NewTensor([]int{1, 3, 32, 32}, nil)
	stages := net.ForwardLayers(x, map[string]bool{"layer4": true})
	require.Len(t, stages, 1)
	assert.Equal(t, "layer4", stages[0].Name)
	assert.Equal(t, []int{1, 2048, 1, 1}, stages[0].Output.Shape())

	stages = net.ForwardLayers(x, map[string]bool{"layer2": true})
	require.Len(t, stages, 1)
	assert.Equal(t, []int{1, 512, 4, 4}, stages[0].Output.Shape())

	assert.Nil(t, net.ForwardLayers(x, nil))
}

func TestDilationKeepsResolution(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := tinyBottleneck()
	cfg.ReplaceStrideWithDilation = [3]bool{false, false, true}
	net, err := New(cfg, backend)
	require.NoError(t, err)

	x := backend.NewTensor([]int{1, 3, 64, 64}, nil)
	stages := net.ForwardLayers(x, allLayers())
	require.Len(t, stages, 4)
	assert.Equal(t, []int{1, 1024, 4, 4}, stages[2].Output.Shape())
	assert.Equal(t, []int{1, 2048, 4, 4}, stages[3].Output.Shape())

	// First block of layer4 keeps the previous dilation, later ones dilate.
	first := net.Layers[3][0].(*BottleneckBlock)
	second := net.Layers[3][1].(*BottleneckBlock)
	assert.Equal(t, 1, first.Conv2.Params.Dilation)
	assert.Equal(t, 1, first.Conv2.Params.Stride)
	assert.Equal(t, 2, second.Conv2.Params.Dilation)
	assert.Equal(t, 2, second.Conv2.Params.Padding)
}

func TestBasicBlockRejectsDilation(t *testing.T) {
	cfg := Architectures["resnet18"]
	cfg.ReplaceStrideWithDilation = [3]bool{false, false, true}
	net, err := New(cfg, device.NewCPUBackend())
	assert.Nil(t, net)
	assert.ErrorIs(t, err, ErrDilationUnsupported)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Block: Basic, Layers: [4]int{2, 2, 2, 2}, Groups: 32}, device.NewCPUBackend())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Block: Basic, Layers: [4]int{2, 0, 2, 2}}, device.NewCPUBackend())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNamedParametersMatchTorchvision(t *testing.T) {
	backend := device.NewCPUBackend()
	net, err := New(Architectures["resnet18"], backend)
	require.NoError(t, err)

	names := make([]string, 0)
	for _, p := range net.NamedParameters("") {
		names = append(names, p.Name)
	}
	assert.Equal(t, "conv1.weight", names[0])
	assert.Contains(t, names, "layer1.0.conv1.weight")
	assert.Contains(t, names, "layer2.0.downsample.0.weight")
	assert.Contains(t, names, "layer4.1.conv2.weight")
	assert.NotContains(t, names, "layer1.0.downsample.0.weight")
	// 1 stem conv + 4 stages * 2 blocks * 2 convs + 3 downsample convs
	assert.Len(t, names, 1+16+3)

	// Frozen norm statistics are buffers, never parameters.
	for _, name := range names {
		assert.False(t, strings.Contains(name, "bn"), name)
	}
	bufNames := make([]string, 0)
	for _, b := range net.NamedBuffers("") {
		bufNames = append(bufNames, b.Name)
	}
	assert.Contains(t, bufNames, "bn1.running_var")
	assert.Contains(t, bufNames, "layer3.0.downsample.1.running_mean")
}

func TestGroupedWidth(t *testing.T) {
	cfg := Config{Block: Bottleneck, Layers: [4]int{1, 1, 1, 1}, Groups: 32, WidthPerGroup: 4}
	net, err := New(cfg, device.NewCPUBackend())
	require.NoError(t, err)
	b := net.Layers[0][0].(*BottleneckBlock)
	assert.Equal(t, []int{128, 4, 3, 3}, b.Conv2.Weight.Value.Shape())
	assert.Equal(t, 32, b.Conv2.Params.Groups)
}

func TestSeedIsDeterministic(t *testing.T) {
	backend := device.NewCPUBackend()
	a, err := New(tinyBottleneck(), backend)
	require.NoError(t, err)
	b, err := New(tinyBottleneck(), backend)
	require.NoError(t, err)
	assert.Equal(t, a.Conv1.Weight.Value.ToHost(), b.Conv1.Weight.Value.ToHost())
}

func TestNames(t *testing.T) {
	names := Names()
	assert.Contains(t, names, "resnet50")
	assert.Contains(t, names, "wide_resnet101_2")
	assert.Len(t, names, len(Architectures))
}
