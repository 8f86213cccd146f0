package nn

import (
	"fmt"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// StateDict collects parameters and buffers into one name-keyed map of
// clones.
func StateDict(net Network) map[string]*tensor.Tensor {
	out := map[string]*tensor.Tensor{}
	for _, nt := range net.NamedParameters() {
		out[nt.Name] = nt.Tensor.Clone()
	}
	for _, nt := range net.NamedBuffers() {
		out[nt.Name] = nt.Tensor.Clone()
	}
	return out
}

// LoadStateDict copies matching entries of state into the network's live
// tensors. Every live tensor must be present with a matching shape.
func LoadStateDict(net Network, state map[string]*tensor.Tensor) error {
	apply := func(nt NamedTensor) error {
		src, ok := state[nt.Name]
		if !ok {
			return fmt.Errorf("state dict missing %s", nt.Name)
		}
		if err := tensor.CopyInto(nt.Tensor, src); err != nil {
			return fmt.Errorf("load %s: %w", nt.Name, err)
		}
		return nil
	}
	for _, nt := range net.NamedParameters() {
		if err := apply(nt); err != nil {
			return err
		}
	}
	for _, nt := range net.NamedBuffers() {
		if err := apply(nt); err != nil {
			return err
		}
	}
	return nil
}

// Parameters flattens the parameter tensors, dropping names.
func Parameters(net Network) []*tensor.Tensor {
	named := net.NamedParameters()
	out := make([]*tensor.Tensor, 0, len(named))
	for _, nt := range named {
		out = append(out, nt.Tensor)
	}
	return out
}

// ZeroGrad clears the gradients of every parameter.
func ZeroGrad(net Network) {
	for _, p := range Parameters(net) {
		p.ZeroGrad()
	}
}
