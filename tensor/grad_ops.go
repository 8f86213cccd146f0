package tensor

import (
	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

func (t *Tensor) GradPowSum(norm float32) float32 {
	if t == nil || t.grad == nil {
		return 0
	}
	sum := float32(0)
	for _, v := range t.grad.data {
		abs := math32.Abs(v)
		sum += math32.Pow(abs, norm)
	}
	return sum
}

func (t *Tensor) ScaleGrad(factor float32) {
	if t == nil || t.grad == nil {
		return
	}
	t.grad.Scale(factor)
}

func (t *Tensor) ClipGradValue(limit float32) {
	if t == nil || t.grad == nil {
		return
	}
	if limit <= 0 {
		return
	}
	grad := t.grad
	parallel.For(len(grad.data), func(start, end int) {
		for i := start; i < end; i++ {
			v := grad.data[i]
			if v > limit {
				grad.data[i] = limit
			} else if v < -limit {
				grad.data[i] = -limit
			}
		}
	})
}
