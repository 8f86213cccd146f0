package checkpoints

import (
	"fmt"

	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// Report summarizes one load: which source names landed, which were
// skipped on shape mismatch, which targets stayed unfilled, and which
// source names matched nothing.
type Report struct {
	Loaded    []string
	Skipped   []string
	Missing   []string
	Unmatched []string
}

// Load reads an archive and copies its tensors into the network. Source
// names are tried verbatim first (our own saved state), then through
// the remapper. In strict mode unmatched source names and shape
// mismatches are fatal; missing targets are reported either way.
func Load(path string, net nn.Network, strict bool) (*Report, error) {
	arch, err := ReadArchive(path)
	if err != nil {
		return nil, err
	}
	return Apply(arch, net, DefaultRemapper(), strict)
}

func Apply(arch *Archive, net nn.Network, remap *Remapper, strict bool) (*Report, error) {
	targets := map[string]*tensor.Tensor{}
	order := []string{}
	collect := func(nts []nn.NamedTensor) {
		for _, nt := range nts {
			targets[nt.Name] = nt.Tensor
			order = append(order, nt.Name)
		}
	}
	collect(net.NamedParameters())
	collect(net.NamedBuffers())

	rep := &Report{}
	filled := map[string]bool{}
	for _, src := range arch.Names {
		local := src
		if _, ok := targets[local]; !ok {
			mapped, ok := remap.Apply(src)
			if !ok {
				rep.Unmatched = append(rep.Unmatched, src)
				continue
			}
			local = mapped
		}
		dst, ok := targets[local]
		if !ok {
			rep.Unmatched = append(rep.Unmatched, src)
			continue
		}
		if err := tensor.CopyInto(dst, arch.Tensors[src]); err != nil {
			rep.Skipped = append(rep.Skipped, fmt.Sprintf("%s -> %s: %v", src, local, err))
			continue
		}
		filled[local] = true
		rep.Loaded = append(rep.Loaded, local)
	}
	for _, name := range order {
		if !filled[name] {
			rep.Missing = append(rep.Missing, name)
		}
	}
	if strict && len(rep.Unmatched) > 0 {
		return rep, fmt.Errorf("strict load: %d unmatched source keys (first: %s)", len(rep.Unmatched), rep.Unmatched[0])
	}
	if strict && len(rep.Skipped) > 0 {
		return rep, fmt.Errorf("strict load: %d skipped tensors (first: %s)", len(rep.Skipped), rep.Skipped[0])
	}
	return rep, nil
}
