package tensor

import (
	"errors"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// Permute reorders the axes of t according to perm, copying into a
// contiguous tensor. Gradients flow back through the inverse permutation.
func Permute(t *Tensor, perm ...int) (*Tensor, error) {
	rank := len(t.shape)
	if len(perm) != rank {
		return nil, errors.New("permutation length mismatch")
	}
	seen := make([]bool, rank)
	for _, p := range perm {
		if p < 0 || p >= rank {
			return nil, errors.New("permutation axis out of range")
		}
		if seen[p] {
			return nil, errors.New("duplicate permutation axis")
		}
		seen[p] = true
	}
	outShape := make([]int, rank)
	for i, p := range perm {
		outShape[i] = t.shape[p]
	}
	out := Zeros(outShape...)
	permuteInto(out, t, perm)
	if t.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{t}
		inverse := make([]int, rank)
		for i, p := range perm {
			inverse[p] = i
		}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(t.shape...)
				permuteInto(g, grad, inverse)
				accumulate(grads, t, g)
			},
		}
	}
	return out, nil
}

func permuteInto(dst, src *Tensor, perm []int) {
	rank := len(src.shape)
	dstStrides := dst.strides
	srcStrides := src.strides
	parallel.For(len(dst.data), func(start, end int) {
		for i := start; i < end; i++ {
			rem := i
			srcOffset := 0
			for d := 0; d < rank; d++ {
				idx := rem / dstStrides[d]
				rem %= dstStrides[d]
				srcOffset += idx * srcStrides[perm[d]]
			}
			dst.data[i] = src.data[srcOffset]
		}
	})
}
