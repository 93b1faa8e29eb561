package resnet

import "sort"

// Architectures holds the torchvision ResNet family by name.
var Architectures = map[string]Config{
	"resnet18":         {Block: Basic, Layers: [4]int{2, 2, 2, 2}},
	"resnet34":         {Block: Basic, Layers: [4]int{3, 4, 6, 3}},
	"resnet50":         {Block: Bottleneck, Layers: [4]int{3, 4, 6, 3}},
	"resnet101":        {Block: Bottleneck, Layers: [4]int{3, 4, 23, 3}},
	"resnet152":        {Block: Bottleneck, Layers: [4]int{3, 8, 36, 3}},
	"resnext50_32x4d":  {Block: Bottleneck, Layers: [4]int{3, 4, 6, 3}, Groups: 32, WidthPerGroup: 4},
	"resnext101_32x8d": {Block: Bottleneck, Layers: [4]int{3, 4, 23, 3}, Groups: 32, WidthPerGroup: 8},
	"wide_resnet50_2":  {Block: Bottleneck, Layers: [4]int{3, 4, 6, 3}, WidthPerGroup: 128},
	"wide_resnet101_2": {Block: Bottleneck, Layers: [4]int{3, 4, 23, 3}, WidthPerGroup: 128},
}

// Names returns the known architecture names, sorted.
func Names() []string {
	names := make([]string, 0, len(Architectures))
	for name := range Architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
