package tensor

import (
	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

func Atan(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = math32.Atan(a.data[i])
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				factor := Zeros(a.shape...)
				parallel.For(len(factor.data), func(start, end int) {
					for i := start; i < end; i++ {
						v := a.data[i]
						factor.data[i] = 1 / (1 + v*v)
					}
				})
				accumulate(grads, a, hadamard(grad, factor))
			},
		}
	}
	return out
}

// Clamp limits values to [lo, hi]. Gradient is passed through only where
// the input fell strictly inside the range, matching the usual subgradient.
func Clamp(a *Tensor, lo, hi float32) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			v := a.data[i]
			if v < lo {
				v = lo
			} else if v > hi {
				v = hi
			}
			out.data[i] = v
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		mask := Zeros(a.shape...)
		parallel.For(len(mask.data), func(start, end int) {
			for i := start; i < end; i++ {
				if a.data[i] >= lo && a.data[i] <= hi {
					mask.data[i] = 1
				}
			}
		})
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				accumulate(grads, a, hadamard(grad, mask))
			},
		}
	}
	return out
}

// ClampMin limits values from below only.
func ClampMin(a *Tensor, lo float32) *Tensor {
	return Clamp(a, lo, math32.Inf(1))
}

func Maximum(a, b *Tensor) (*Tensor, error) {
	return pickExtremum(a, b, true)
}

func Minimum(a, b *Tensor) (*Tensor, error) {
	return pickExtremum(a, b, false)
}

func pickExtremum(a, b *Tensor, isMax bool) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := Zeros(a.shape...)
	fromLeft := make([]bool, len(out.data))
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			av, bv := a.data[i], b.data[i]
			takeA := av >= bv
			if !isMax {
				takeA = av <= bv
			}
			if takeA {
				out.data[i] = av
				fromLeft[i] = true
			} else {
				out.data[i] = bv
			}
		}
	})
	attachBinaryGrad(out, a, b, func(grad *Tensor, grads map[*Tensor]*Tensor, left, right *Tensor) {
		if left.requiresGrad {
			g := Zeros(left.shape...)
			parallel.For(len(g.data), func(start, end int) {
				for i := start; i < end; i++ {
					if fromLeft[i] {
						g.data[i] = grad.data[i]
					}
				}
			})
			accumulate(grads, left, g)
		}
		if right.requiresGrad {
			g := Zeros(right.shape...)
			parallel.For(len(g.data), func(start, end int) {
				for i := start; i < end; i++ {
					if !fromLeft[i] {
						g.data[i] = grad.data[i]
					}
				}
			})
			accumulate(grads, right, g)
		}
	})
	return out, nil
}
