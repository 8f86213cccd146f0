package tensor

import (
	"errors"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// Narrow copies the sub-tensor covering [start, start+length) along axis.
// Gradients accumulate back into the matching region of the source.
func Narrow(t *Tensor, axis, start, length int) (*Tensor, error) {
	rank := len(t.shape)
	if rank == 0 {
		return nil, errors.New("narrow requires rank >= 1 tensor")
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, errors.New("axis out of range")
	}
	if start < 0 || length <= 0 || start+length > t.shape[axis] {
		return nil, errors.New("narrow range out of bounds")
	}
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= t.shape[i]
	}
	inner := 1
	for i := axis + 1; i < rank; i++ {
		inner *= t.shape[i]
	}
	axisSize := t.shape[axis]
	outShape := append([]int(nil), t.shape...)
	outShape[axis] = length
	out := Zeros(outShape...)
	parallel.For(outer, func(s, e int) {
		for o := s; o < e; o++ {
			srcBase := (o*axisSize + start) * inner
			dstBase := o * length * inner
			copy(out.data[dstBase:dstBase+length*inner], t.data[srcBase:srcBase+length*inner])
		}
	})
	if t.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{t}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(t.shape...)
				parallel.For(outer, func(s, e int) {
					for o := s; o < e; o++ {
						dstBase := (o*axisSize + start) * inner
						srcBase := o * length * inner
						for i := 0; i < length*inner; i++ {
							g.data[dstBase+i] += grad.data[srcBase+i]
						}
					}
				})
				accumulate(grads, t, g)
			},
		}
	}
	return out, nil
}
