package tensor

import (
	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

func Relu(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			v := a.data[i]
			if v > 0 {
				out.data[i] = v
			}
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		mask := out.Detach()
		parallel.For(len(mask.data), func(start, end int) {
			for i := start; i < end; i++ {
				if mask.data[i] > 0 {
					mask.data[i] = 1
				} else {
					mask.data[i] = 0
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

func Sigmoid(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = 1 / (1 + math32.Exp(-a.data[i]))
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				oneMinus := Full(1, out.shape...)
				parallel.For(len(oneMinus.data), func(start, end int) {
					for i := start; i < end; i++ {
						oneMinus.data[i] -= out.data[i]
					}
				})
				accumulate(grads, a, hadamard(grad, hadamard(out.Detach(), oneMinus)))
			},
		}
	}
	return out
}

// SiLU is x*sigmoid(x), the activation used throughout modern detection
// backbones.
func SiLU(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			v := a.data[i]
			out.data[i] = v / (1 + math32.Exp(-v))
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
						s := 1 / (1 + math32.Exp(-v))
						factor.data[i] = s * (1 + v*(1-s))
					}
				})
				accumulate(grads, a, hadamard(grad, factor))
			},
		}
	}
	return out
}
