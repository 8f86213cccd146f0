package loss

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/assign"
	"github.com/fumitoshi0524/ixeoriDet/boxes"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// Components reports the gain-weighted per-term values of one forward
// pass, for logging.
type Components struct {
	Box float32
	Cls float32
	DFL float32
}

// DetectionLoss composes the classification BCE, CIoU box loss and
// distribution focal loss over the raw multi-scale head outputs.
type DetectionLoss struct {
	BoxGain float32
	ClsGain float32
	DFLGain float32
	RegMax  int
	Classes int
	Strides []float32

	assigner *assign.TaskAlignedAssigner
}

func NewDetectionLoss(numClasses int, strides []float32) *DetectionLoss {
	return &DetectionLoss{
		BoxGain:  7.5,
		ClsGain:  0.5,
		DFLGain:  1.5,
		RegMax:   16,
		Classes:  numClasses,
		Strides:  strides,
		assigner: assign.NewTaskAlignedAssigner(numClasses),
	}
}

// Forward computes the composite loss. rawBox is (B, 4*(R+1), N) bin
// logits, rawCls is (B, C, N) class logits, sizes describes the feature
// maps that produced the N anchors. Ground-truth boxes are normalized
// xyxy over the (imgW, imgH) input; gtMask flags the live GT slots.
// The returned scalar is scaled by the batch size.
func (l *DetectionLoss) Forward(rawBox, rawCls *tensor.Tensor, sizes []boxes.FeatureSize, gtBoxes, gtLabels, gtMask *tensor.Tensor, imgW, imgH int) (*tensor.Tensor, Components, error) {
	var comps Components
	bShape := rawBox.Shape()
	cShape := rawCls.Shape()
	if len(bShape) != 3 || len(cShape) != 3 {
		return nil, comps, errors.New("raw predictions must be rank 3")
	}
	batch, n := bShape[0], bShape[2]
	classes := cShape[1]
	bins := l.RegMax + 1
	if bShape[1] != 4*bins {
		return nil, comps, errors.New("raw box channel count mismatch")
	}
	if cShape[0] != batch || cShape[2] != n {
		return nil, comps, errors.New("raw cls shape mismatch")
	}

	anchors, strideT, err := boxes.MakeAnchors(sizes, l.Strides, 0.5)
	if err != nil {
		return nil, comps, err
	}
	if anchors.Shape()[0] != n {
		return nil, comps, errors.New("anchor count does not match predictions")
	}
	strides := strideT.Data()

	// decode distances: softmax over the bin axis, then expected value
	distr, err := rawBox.Reshape(batch, 4, bins, n)
	if err != nil {
		return nil, comps, err
	}
	perm, err := tensor.Permute(distr, 0, 1, 3, 2)
	if err != nil {
		return nil, comps, err
	}
	flat, err := perm.Reshape(batch*4*n, bins)
	if err != nil {
		return nil, comps, err
	}
	sm, err := tensor.Softmax(flat, 1)
	if err != nil {
		return nil, comps, err
	}
	binRange, err := tensor.Arange(bins).Reshape(bins, 1)
	if err != nil {
		return nil, comps, err
	}
	ev, err := tensor.MatMul(sm, binRange)
	if err != nil {
		return nil, comps, err
	}
	distances, err := ev.Reshape(batch, 4, n)
	if err != nil {
		return nil, comps, err
	}
	predBoxes, err := boxes.Dist2BBox(distances, anchors)
	if err != nil {
		return nil, comps, err
	}

	// assigner inputs are detached and live in pixel units
	predScoresSig := sigmoidPermuted(rawCls.Detach(), batch, classes, n)
	predBoxesPx := toPixelBoxes(predBoxes.Detach(), strides, batch, n)
	anchorsPx := scaleAnchors(anchors, strides)
	gtPix, err := scaleGTBoxes(gtBoxes, imgW, imgH)
	if err != nil {
		return nil, comps, err
	}
	res, err := l.assigner.Assign(predScoresSig, predBoxesPx, anchorsPx, gtLabels, gtPix, gtMask)
	if err != nil {
		return nil, comps, err
	}

	scoreSum := float32(0)
	for _, v := range res.Scores.Raw() {
		scoreSum += v
	}
	if scoreSum < 1 {
		scoreSum = 1
	}
	invS := 1 / scoreSum

	// classification
	clsPerm, err := tensor.Permute(rawCls, 0, 2, 1)
	if err != nil {
		return nil, comps, err
	}
	bceSum, err := BCEWithLogits(clsPerm, res.Scores)
	if err != nil {
		return nil, comps, err
	}
	clsLoss := tensor.MulScalar(bceSum, invS)

	boxLoss := tensor.Zeros(1)
	dflLoss := tensor.Zeros(1)
	fgIdx := tensor.MaskIndices(res.FGMask)
	if len(fgIdx) > 0 {
		f := len(fgIdx)

		// foreground predicted boxes, stride-relative
		predBN, err := tensor.Permute(predBoxes, 0, 2, 1)
		if err != nil {
			return nil, comps, err
		}
		predFlat, err := predBN.Reshape(batch*n, 4)
		if err != nil {
			return nil, comps, err
		}
		predFg, err := tensor.SelectRows(predFlat, fgIdx)
		if err != nil {
			return nil, comps, err
		}

		// matching targets, converted back to stride-relative units
		tgtRel := pixelToRelBoxes(res.Boxes, strides, batch, n)
		tgtFlat, err := tgtRel.Reshape(batch*n, 4)
		if err != nil {
			return nil, comps, err
		}
		tgtFg, err := tensor.SelectRows(tgtFlat, fgIdx)
		if err != nil {
			return nil, comps, err
		}

		weightData := make([]float32, f)
		scoreRaw := res.Scores.Raw()
		for i, idx := range fgIdx {
			s := float32(0)
			for c := 0; c < classes; c++ {
				s += scoreRaw[idx*classes+c]
			}
			weightData[i] = s
		}
		weight := tensor.MustNew(weightData, f, 1)

		ciou, err := boxes.CIoU(predFg, tgtFg)
		if err != nil {
			return nil, comps, err
		}
		one := tensor.Full(1, f, 1)
		penalty, err := tensor.Sub(one, ciou)
		if err != nil {
			return nil, comps, err
		}
		weighted, err := tensor.Mul(penalty, weight)
		if err != nil {
			return nil, comps, err
		}
		boxLoss = tensor.MulScalar(tensor.Sum(weighted), invS)

		// distribution focal loss on the same anchors
		tgtDist, err := boxes.BBox2Dist(anchors, tgtRel, l.RegMax)
		if err != nil {
			return nil, comps, err
		}
		tgtDistFlat, err := tgtDist.Reshape(batch*n, 4)
		if err != nil {
			return nil, comps, err
		}
		tgtDistFg, err := tensor.SelectRows(tgtDistFlat, fgIdx)
		if err != nil {
			return nil, comps, err
		}
		logitsBN, err := tensor.Permute(distr, 0, 3, 1, 2)
		if err != nil {
			return nil, comps, err
		}
		logitsFlat, err := logitsBN.Reshape(batch*n, 4, bins)
		if err != nil {
			return nil, comps, err
		}
		logitsFg, err := tensor.SelectRows(logitsFlat, fgIdx)
		if err != nil {
			return nil, comps, err
		}
		perAnchor, err := DFL(logitsFg, tgtDistFg)
		if err != nil {
			return nil, comps, err
		}
		weightFlat, err := weight.Reshape(f)
		if err != nil {
			return nil, comps, err
		}
		dflWeighted, err := tensor.Mul(perAnchor, weightFlat)
		if err != nil {
			return nil, comps, err
		}
		dflLoss = tensor.MulScalar(tensor.Sum(dflWeighted), invS)
	}

	boxTerm := tensor.MulScalar(boxLoss, l.BoxGain)
	clsTerm := tensor.MulScalar(clsLoss, l.ClsGain)
	dflTerm := tensor.MulScalar(dflLoss, l.DFLGain)
	comps.Box = boxTerm.Detach().Scalar()
	comps.Cls = clsTerm.Detach().Scalar()
	comps.DFL = dflTerm.Detach().Scalar()

	sum, err := tensor.Add(boxTerm, clsTerm)
	if err != nil {
		return nil, comps, err
	}
	sum, err = tensor.Add(sum, dflTerm)
	if err != nil {
		return nil, comps, err
	}
	total := tensor.MulScalar(sum, float32(batch))
	return total, comps, nil
}

func sigmoidPermuted(rawCls *tensor.Tensor, batch, classes, n int) *tensor.Tensor {
	src := rawCls.Raw()
	out := tensor.Zeros(batch, n, classes)
	dst := out.Raw()
	for b := 0; b < batch; b++ {
		for c := 0; c < classes; c++ {
			for i := 0; i < n; i++ {
				v := src[(b*classes+c)*n+i]
				dst[(b*n+i)*classes+c] = 1 / (1 + math32.Exp(-v))
			}
		}
	}
	return out
}

func toPixelBoxes(pred *tensor.Tensor, strides []float32, batch, n int) *tensor.Tensor {
	src := pred.Raw() // (B, 4, N)
	out := tensor.Zeros(batch, n, 4)
	dst := out.Raw()
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			s := strides[i]
			for k := 0; k < 4; k++ {
				dst[(b*n+i)*4+k] = src[(b*4+k)*n+i] * s
			}
		}
	}
	return out
}

func pixelToRelBoxes(px *tensor.Tensor, strides []float32, batch, n int) *tensor.Tensor {
	out := px.Detach() // (B, N, 4)
	dst := out.Raw()
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			s := strides[i]
			for k := 0; k < 4; k++ {
				dst[(b*n+i)*4+k] /= s
			}
		}
	}
	return out
}

func scaleAnchors(anchors *tensor.Tensor, strides []float32) *tensor.Tensor {
	out := anchors.Detach()
	dst := out.Raw()
	for i := 0; i < len(strides); i++ {
		dst[i*2] *= strides[i]
		dst[i*2+1] *= strides[i]
	}
	return out
}

func scaleGTBoxes(gt *tensor.Tensor, imgW, imgH int) (*tensor.Tensor, error) {
	shape := gt.Shape()
	if len(shape) != 3 || shape[2] != 4 {
		return nil, errors.New("gt boxes must be (B, M, 4)")
	}
	out := gt.Detach()
	dst := out.Raw()
	w, h := float32(imgW), float32(imgH)
	for i := 0; i+4 <= len(dst); i += 4 {
		dst[i] *= w
		dst[i+1] *= h
		dst[i+2] *= w
		dst[i+3] *= h
	}
	return out, nil
}
