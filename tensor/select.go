package tensor

import (
	"errors"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// SelectRows gathers the given rows of a tensor whose leading axis indexes
// rows. The remaining axes are kept. Gradients scatter-add back into the
// selected rows of the source.
func SelectRows(t *Tensor, indices []int) (*Tensor, error) {
	if len(t.shape) < 1 {
		return nil, errors.New("SelectRows requires rank >= 1 tensor")
	}
	if len(indices) == 0 {
		return nil, errors.New("SelectRows requires at least one index")
	}
	rows := t.shape[0]
	rowSize := 1
	for _, dim := range t.shape[1:] {
		rowSize *= dim
	}
	for _, idx := range indices {
		if idx < 0 || idx >= rows {
			return nil, errors.New("row index out of range")
		}
	}
	outShape := append([]int{len(indices)}, t.shape[1:]...)
	out := Zeros(outShape...)
	parallel.For(len(indices), func(start, end int) {
		for i := start; i < end; i++ {
			src := indices[i] * rowSize
			dst := i * rowSize
			copy(out.data[dst:dst+rowSize], t.data[src:src+rowSize])
		}
	})
	if t.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{t}
		idxCopy := append([]int(nil), indices...)
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(t.shape...)
				// serial on purpose: repeated indices must not race
				for i, idx := range idxCopy {
					src := i * rowSize
					dst := idx * rowSize
					for j := 0; j < rowSize; j++ {
						g.data[dst+j] += grad.data[src+j]
					}
				}
				accumulate(grads, t, g)
			},
		}
	}
	return out, nil
}

// MaskIndices converts a boolean-valued float tensor to the list of flat
// indices of its nonzero entries.
func MaskIndices(mask *Tensor) []int {
	var out []int
	for i, v := range mask.data {
		if v != 0 {
			out = append(out, i)
		}
	}
	return out
}
