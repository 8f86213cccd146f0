package loss

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// DFL computes the distribution focal loss for per-side bin logits.
// dist is (F, 4, R+1) raw logits for the foreground anchors, target is
// (F, 4) continuous distances in [0, R). Each side contributes the
// cross-entropy against its two adjacent bins weighted by proximity; the
// four sides are averaged, leaving an (F) tensor of per-anchor losses.
func DFL(dist, target *tensor.Tensor) (*tensor.Tensor, error) {
	dShape := dist.Shape()
	tShape := target.Shape()
	if len(dShape) != 3 || dShape[1] != 4 {
		return nil, errors.New("DFL expects (F, 4, R+1) logits")
	}
	if len(tShape) != 2 || tShape[0] != dShape[0] || tShape[1] != 4 {
		return nil, errors.New("DFL target shape mismatch")
	}
	f := dShape[0]
	bins := dShape[2]
	rows := f * 4

	flat, err := dist.Reshape(rows, bins)
	if err != nil {
		return nil, err
	}
	logp, err := tensor.LogSoftmax(flat, 1)
	if err != nil {
		return nil, err
	}

	tRaw := target.Data()
	left := make([]float32, rows)
	right := make([]float32, rows)
	wl := make([]float32, rows)
	wr := make([]float32, rows)
	for i := 0; i < rows; i++ {
		t := tRaw[i]
		tl := math32.Floor(t)
		tr := tl + 1
		if tr > float32(bins-1) {
			tr = float32(bins - 1)
		}
		left[i] = tl
		right[i] = tr
		wl[i] = tl + 1 - t
		wr[i] = 1 - wl[i]
	}
	leftIdx := tensor.MustNew(left, rows, 1)
	rightIdx := tensor.MustNew(right, rows, 1)
	lpLeft, err := tensor.Gather(logp, 1, leftIdx)
	if err != nil {
		return nil, err
	}
	lpRight, err := tensor.Gather(logp, 1, rightIdx)
	if err != nil {
		return nil, err
	}
	weightedL, err := tensor.Mul(lpLeft, tensor.MustNew(wl, rows, 1))
	if err != nil {
		return nil, err
	}
	weightedR, err := tensor.Mul(lpRight, tensor.MustNew(wr, rows, 1))
	if err != nil {
		return nil, err
	}
	sum, err := tensor.Add(weightedL, weightedR)
	if err != nil {
		return nil, err
	}
	perSide := tensor.MulScalar(sum, -1)
	reshaped, err := perSide.Reshape(f, 4)
	if err != nil {
		return nil, err
	}
	return tensor.MeanAxis(reshaped, 1)
}
