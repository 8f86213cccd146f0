package boxes

import (
	"errors"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// FeatureSize is one detection scale's spatial extent.
type FeatureSize struct {
	H, W int
}

// MakeAnchors builds the stride-relative anchor centers for a set of
// feature maps. It returns an (N, 2) point tensor whose rows are cell
// centers (col+offset, row+offset), and an (N, 1) tensor recording the
// stride of the scale each anchor belongs to. N = sum of H*W.
func MakeAnchors(sizes []FeatureSize, strides []float32, offset float32) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(sizes) != len(strides) {
		return nil, nil, errors.New("feature sizes and strides length mismatch")
	}
	total := 0
	for _, s := range sizes {
		if s.H <= 0 || s.W <= 0 {
			return nil, nil, errors.New("feature size must be positive")
		}
		total += s.H * s.W
	}
	points := make([]float32, 0, total*2)
	strideData := make([]float32, 0, total)
	for i, s := range sizes {
		for row := 0; row < s.H; row++ {
			for col := 0; col < s.W; col++ {
				points = append(points, float32(col)+offset, float32(row)+offset)
				strideData = append(strideData, strides[i])
			}
		}
	}
	pts := tensor.MustNew(points, total, 2)
	st := tensor.MustNew(strideData, total, 1)
	return pts, st, nil
}

// Dist2BBox converts per-side distances (B, 4, N) with channels L,T,R,B
// into xyxy boxes (B, 4, N) around the anchor centers. Gradients flow
// through the distances; the anchors are constants.
func Dist2BBox(dist *tensor.Tensor, anchors *tensor.Tensor) (*tensor.Tensor, error) {
	shape := dist.Shape()
	if len(shape) != 3 || shape[1] != 4 {
		return nil, errors.New("Dist2BBox expects (B, 4, N) distances")
	}
	aShape := anchors.Shape()
	if len(aShape) != 2 || aShape[1] != 2 || aShape[0] != shape[2] {
		return nil, errors.New("anchor count mismatch")
	}
	batch, n := shape[0], shape[2]
	cxData := make([]float32, n)
	cyData := make([]float32, n)
	aRaw := anchors.Data()
	for i := 0; i < n; i++ {
		cxData[i] = aRaw[i*2]
		cyData[i] = aRaw[i*2+1]
	}
	cx, err := tensor.BroadcastTo(tensor.MustNew(cxData, 1, 1, n), []int{batch, 1, n})
	if err != nil {
		return nil, err
	}
	cy, err := tensor.BroadcastTo(tensor.MustNew(cyData, 1, 1, n), []int{batch, 1, n})
	if err != nil {
		return nil, err
	}
	left, err := tensor.Narrow(dist, 1, 0, 1)
	if err != nil {
		return nil, err
	}
	top, err := tensor.Narrow(dist, 1, 1, 1)
	if err != nil {
		return nil, err
	}
	right, err := tensor.Narrow(dist, 1, 2, 1)
	if err != nil {
		return nil, err
	}
	bottom, err := tensor.Narrow(dist, 1, 3, 1)
	if err != nil {
		return nil, err
	}
	x1, err := tensor.Sub(cx, left)
	if err != nil {
		return nil, err
	}
	y1, err := tensor.Sub(cy, top)
	if err != nil {
		return nil, err
	}
	x2, err := tensor.Add(cx, right)
	if err != nil {
		return nil, err
	}
	y2, err := tensor.Add(cy, bottom)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(1, x1, y1, x2, y2)
}

// BBox2Dist encodes xyxy target boxes (B, N, 4) as per-side distances from
// the anchor centers, clamped to [0, regMax-0.01] so DFL targets stay
// strictly inside the bin range. Targets are constants, so this runs on
// raw values.
func BBox2Dist(anchors, bboxes *tensor.Tensor, regMax int) (*tensor.Tensor, error) {
	bShape := bboxes.Shape()
	if len(bShape) != 3 || bShape[2] != 4 {
		return nil, errors.New("BBox2Dist expects (B, N, 4) boxes")
	}
	aShape := anchors.Shape()
	if len(aShape) != 2 || aShape[1] != 2 || aShape[0] != bShape[1] {
		return nil, errors.New("anchor count mismatch")
	}
	batch, n := bShape[0], bShape[1]
	hi := float32(regMax) - 0.01
	aRaw := anchors.Data()
	bRaw := bboxes.Data()
	out := make([]float32, batch*n*4)
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			cx, cy := aRaw[i*2], aRaw[i*2+1]
			off := (b*n + i) * 4
			d := [4]float32{
				cx - bRaw[off],
				cy - bRaw[off+1],
				bRaw[off+2] - cx,
				bRaw[off+3] - cy,
			}
			for k, v := range d {
				if v < 0 {
					v = 0
				} else if v > hi {
					v = hi
				}
				out[off+k] = v
			}
		}
	}
	return tensor.New(out, batch, n, 4)
}
