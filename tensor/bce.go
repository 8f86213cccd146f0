package tensor

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// SigmoidCrossEntropy computes the elementwise binary cross-entropy between
// logits and soft targets without materializing the sigmoid, using the
// stable form max(x,0) - x*y + log(1+exp(-|x|)). The backward pass is the
// closed form sigmoid(x) - y.
func SigmoidCrossEntropy(logits, targets *Tensor) (*Tensor, error) {
	if err := ensureSameShape(logits, targets); err != nil {
		return nil, err
	}
	if targets.requiresGrad {
		return nil, errors.New("targets must not require grad")
	}
	out := Zeros(logits.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			x := logits.data[i]
			y := targets.data[i]
			m := x
			if m < 0 {
				m = 0
			}
			out.data[i] = m - x*y + math32.Log1p(math32.Exp(-math32.Abs(x)))
		}
	})
	if logits.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{logits}
		xs := logits.Detach()
		ys := targets.Detach()
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(logits.shape...)
				parallel.For(len(g.data), func(start, end int) {
					for i := start; i < end; i++ {
						s := 1 / (1 + math32.Exp(-xs.data[i]))
						g.data[i] = grad.data[i] * (s - ys.data[i])
					}
				})
				accumulate(grads, logits, g)
			},
		}
	}
	return out, nil
}
