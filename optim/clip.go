package optim

import (
	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// ClipGradNorm rescales every gradient so their joint L2 norm does not
// exceed maxNorm. Returns the norm before clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float32) float32 {
	var sq float32
	for _, p := range params {
		sq += p.GradPowSum(2)
	}
	total := math32.Sqrt(sq)
	if total > maxNorm && total > 0 {
		scale := maxNorm / total
		for _, p := range params {
			p.ScaleGrad(scale)
		}
	}
	return total
}
