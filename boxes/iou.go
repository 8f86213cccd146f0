package boxes

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// corner splits an (F, 4) box tensor into its four (F, 1) coordinate
// columns, keeping the autograd graph intact.
func corners(t *tensor.Tensor) (x1, y1, x2, y2 *tensor.Tensor, err error) {
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 4 {
		return nil, nil, nil, nil, errors.New("expected (F, 4) box tensor")
	}
	if x1, err = tensor.Narrow(t, 1, 0, 1); err != nil {
		return
	}
	if y1, err = tensor.Narrow(t, 1, 1, 1); err != nil {
		return
	}
	if x2, err = tensor.Narrow(t, 1, 2, 1); err != nil {
		return
	}
	y2, err = tensor.Narrow(t, 1, 3, 1)
	return
}

// IoU computes the pairwise IoU of two (F, 4) xyxy tensors, returning an
// (F, 1) tensor. Gradients flow into both inputs.
func IoU(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	iou, _, _, err := iouParts(a, b)
	return iou, err
}

func iouParts(a, b *tensor.Tensor) (iou *tensor.Tensor, ab [8]*tensor.Tensor, wh [4]*tensor.Tensor, err error) {
	ax1, ay1, ax2, ay2, err := corners(a)
	if err != nil {
		return nil, ab, wh, err
	}
	bx1, by1, bx2, by2, err := corners(b)
	if err != nil {
		return nil, ab, wh, err
	}
	ix1, err := tensor.Maximum(ax1, bx1)
	if err != nil {
		return nil, ab, wh, err
	}
	iy1, err := tensor.Maximum(ay1, by1)
	if err != nil {
		return nil, ab, wh, err
	}
	ix2, err := tensor.Minimum(ax2, bx2)
	if err != nil {
		return nil, ab, wh, err
	}
	iy2, err := tensor.Minimum(ay2, by2)
	if err != nil {
		return nil, ab, wh, err
	}
	iwRaw, err := tensor.Sub(ix2, ix1)
	if err != nil {
		return nil, ab, wh, err
	}
	ihRaw, err := tensor.Sub(iy2, iy1)
	if err != nil {
		return nil, ab, wh, err
	}
	iw := tensor.ClampMin(iwRaw, 0)
	ih := tensor.ClampMin(ihRaw, 0)
	inter, err := tensor.Mul(iw, ih)
	if err != nil {
		return nil, ab, wh, err
	}
	aw, err := tensor.Sub(ax2, ax1)
	if err != nil {
		return nil, ab, wh, err
	}
	ah, err := tensor.Sub(ay2, ay1)
	if err != nil {
		return nil, ab, wh, err
	}
	bw, err := tensor.Sub(bx2, bx1)
	if err != nil {
		return nil, ab, wh, err
	}
	bh, err := tensor.Sub(by2, by1)
	if err != nil {
		return nil, ab, wh, err
	}
	areaA, err := tensor.Mul(aw, ah)
	if err != nil {
		return nil, ab, wh, err
	}
	areaB, err := tensor.Mul(bw, bh)
	if err != nil {
		return nil, ab, wh, err
	}
	sum, err := tensor.Add(areaA, areaB)
	if err != nil {
		return nil, ab, wh, err
	}
	union, err := tensor.Sub(sum, inter)
	if err != nil {
		return nil, ab, wh, err
	}
	union = tensor.AddScalar(union, eps)
	iou, err = tensor.Div(inter, union)
	if err != nil {
		return nil, ab, wh, err
	}
	ab = [8]*tensor.Tensor{ax1, ay1, ax2, ay2, bx1, by1, bx2, by2}
	wh = [4]*tensor.Tensor{aw, ah, bw, bh}
	return iou, ab, wh, nil
}

// CIoU computes the complete IoU of two (F, 4) xyxy tensors as an (F, 1)
// tensor: iou - rho2/c2 - alpha*v. The alpha factor is computed on
// detached values so no gradient flows through it, while iou, rho2/c2 and
// v stay in the graph. This matches the reference training behavior.
func CIoU(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	iou, ab, wh, err := iouParts(a, b)
	if err != nil {
		return nil, err
	}
	ax1, ay1, ax2, ay2 := ab[0], ab[1], ab[2], ab[3]
	bx1, by1, bx2, by2 := ab[4], ab[5], ab[6], ab[7]
	aw, ah, bw, bh := wh[0], wh[1], wh[2], wh[3]

	// squared center distance
	acx := centerOf(ax1, ax2)
	acy := centerOf(ay1, ay2)
	bcx := centerOf(bx1, bx2)
	bcy := centerOf(by1, by2)
	dx, err := tensor.Sub(bcx, acx)
	if err != nil {
		return nil, err
	}
	dy, err := tensor.Sub(bcy, acy)
	if err != nil {
		return nil, err
	}
	rho2, err := tensor.Add(tensor.Pow(dx, 2), tensor.Pow(dy, 2))
	if err != nil {
		return nil, err
	}

	// squared enclosing diagonal
	ex1, err := tensor.Minimum(ax1, bx1)
	if err != nil {
		return nil, err
	}
	ey1, err := tensor.Minimum(ay1, by1)
	if err != nil {
		return nil, err
	}
	ex2, err := tensor.Maximum(ax2, bx2)
	if err != nil {
		return nil, err
	}
	ey2, err := tensor.Maximum(ay2, by2)
	if err != nil {
		return nil, err
	}
	ew, err := tensor.Sub(ex2, ex1)
	if err != nil {
		return nil, err
	}
	eh, err := tensor.Sub(ey2, ey1)
	if err != nil {
		return nil, err
	}
	c2, err := tensor.Add(tensor.Pow(ew, 2), tensor.Pow(eh, 2))
	if err != nil {
		return nil, err
	}
	c2 = tensor.AddScalar(c2, eps)

	// aspect-ratio term
	ratioB, err := tensor.Div(bw, bh)
	if err != nil {
		return nil, err
	}
	ratioA, err := tensor.Div(aw, ah)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(tensor.Atan(ratioB), tensor.Atan(ratioA))
	if err != nil {
		return nil, err
	}
	v := tensor.MulScalar(tensor.Pow(diff, 2), 4/(math32.Pi*math32.Pi))

	// alpha is a constant with respect to the optimization
	vd := v.Detach().Raw()
	id := iou.Detach().Raw()
	alphaData := make([]float32, len(vd))
	for i := range alphaData {
		alphaData[i] = vd[i] / (1 - id[i] + vd[i] + eps)
	}
	alpha := tensor.MustNew(alphaData, v.Shape()...)

	distTerm, err := tensor.Div(rho2, c2)
	if err != nil {
		return nil, err
	}
	aspectTerm, err := tensor.Mul(v, alpha)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Sub(iou, distTerm)
	if err != nil {
		return nil, err
	}
	return tensor.Sub(out, aspectTerm)
}

func centerOf(lo, hi *tensor.Tensor) *tensor.Tensor {
	sum, err := tensor.Add(lo, hi)
	if err != nil {
		panic(err)
	}
	return tensor.MulScalar(sum, 0.5)
}
