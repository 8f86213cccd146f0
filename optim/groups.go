// Package optim provides grouped optimizers and the warmup LR schedule
// used by the training loop.
package optim

import (
	"strings"

	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// Group is one parameter group with its own learning rate, momentum and
// weight decay. The scheduler mutates LR and Momentum in place.
type Group struct {
	Name        string
	Params      []*tensor.Tensor
	LR          float32
	Momentum    float32
	WeightDecay float32
}

// Optimizer advances its parameter groups from accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	Groups() []*Group
}

// SplitGroups partitions the network's parameters: group 0 holds
// normalization weights, group 1 the convolutional and dense weights,
// group 2 the biases. Only group 1 carries weight decay.
func SplitGroups(net nn.Network) [3]*Group {
	groups := [3]*Group{
		{Name: "norm"},
		{Name: "weights"},
		{Name: "biases"},
	}
	for _, nt := range net.NamedParameters() {
		switch classify(nt.Name, nt.Tensor) {
		case 0:
			groups[0].Params = append(groups[0].Params, nt.Tensor)
		case 1:
			groups[1].Params = append(groups[1].Params, nt.Tensor)
		default:
			groups[2].Params = append(groups[2].Params, nt.Tensor)
		}
	}
	return groups
}

// classify maps a parameter to its group index. Normalization weights
// are the rank-1 weight tensors; every other weight is treated as a
// conv/dense kernel.
func classify(name string, t *tensor.Tensor) int {
	if strings.HasSuffix(name, ".bias") {
		return 2
	}
	if strings.HasSuffix(name, ".weight") && len(t.Shape()) == 1 {
		return 0
	}
	return 1
}

func zeroGroups(groups []*Group) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}
