// Package boxes provides bounding-box geometry shared by the assigner,
// the detection loss and the validation metrics. Boxes are xyxy unless a
// name says otherwise.
package boxes

import (
	"errors"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

const eps = 1e-7

// XYWH2XYXY converts center/size boxes to corner boxes. The input's last
// axis must have size 4. The conversion runs outside the gradient path.
func XYWH2XYXY(t *tensor.Tensor) (*tensor.Tensor, error) {
	return convertBoxes(t, func(b []float32) {
		cx, cy, w, h := b[0], b[1], b[2], b[3]
		b[0] = cx - w/2
		b[1] = cy - h/2
		b[2] = cx + w/2
		b[3] = cy + h/2
	})
}

// XYXY2XYWH converts corner boxes to center/size boxes.
func XYXY2XYWH(t *tensor.Tensor) (*tensor.Tensor, error) {
	return convertBoxes(t, func(b []float32) {
		x1, y1, x2, y2 := b[0], b[1], b[2], b[3]
		b[0] = (x1 + x2) / 2
		b[1] = (y1 + y2) / 2
		b[2] = x2 - x1
		b[3] = y2 - y1
	})
}

func convertBoxes(t *tensor.Tensor, fn func(b []float32)) (*tensor.Tensor, error) {
	shape := t.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != 4 {
		return nil, errors.New("boxes require trailing dimension 4")
	}
	out := t.Detach()
	data := out.Raw()
	for i := 0; i+4 <= len(data); i += 4 {
		fn(data[i : i+4])
	}
	return out, nil
}

// IoUScalar computes the IoU of two xyxy boxes given as 4-element slices.
// Negative intersections clamp to zero; the union carries a small epsilon.
func IoUScalar(a, b []float32) float32 {
	iw := min32(a[2], b[2]) - max32(a[0], b[0])
	if iw < 0 {
		iw = 0
	}
	ih := min32(a[3], b[3]) - max32(a[1], b[1])
	if ih < 0 {
		ih = 0
	}
	inter := iw * ih
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	return inter / (areaA + areaB - inter + eps)
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
