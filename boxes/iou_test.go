package boxes

import (
	"math"
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func almostEqual(a, b, tol float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func almostEqualSlices(a, b []float32, tol float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !almostEqual(a[i], b[i], tol) {
			return false
		}
	}
	return true
}

func TestIoUSelf(t *testing.T) {
	a := tensor.MustNew([]float32{0, 0, 10, 10, 3, 4, 8, 9}, 2, 4)
	iou, err := IoU(a, a)
	if err != nil {
		t.Fatalf("iou failed: %v", err)
	}
	for i, v := range iou.Data() {
		if !almostEqual(v, 1, 1e-6) {
			t.Fatalf("iou(a,a)[%d] = %v, want 1", i, v)
		}
	}
}

func TestCIoUIdenticalBoxes(t *testing.T) {
	a := tensor.MustNew([]float32{0, 0, 10, 10}, 1, 4)
	b := tensor.MustNew([]float32{0, 0, 10, 10}, 1, 4)
	ciou, err := CIoU(a, b)
	if err != nil {
		t.Fatalf("ciou failed: %v", err)
	}
	if !almostEqual(ciou.Data()[0], 1, 1e-6) {
		t.Fatalf("ciou of identical boxes = %v, want 1", ciou.Data()[0])
	}
}

func TestCIoUDisjointPenalty(t *testing.T) {
	a := tensor.MustNew([]float32{0, 0, 10, 10}, 1, 4)
	b := tensor.MustNew([]float32{20, 0, 30, 10}, 1, 4)
	ciou, err := CIoU(a, b)
	if err != nil {
		t.Fatalf("ciou failed: %v", err)
	}
	// iou 0, center distance^2 400, enclosing diagonal^2 1000, v 0
	if !almostEqual(ciou.Data()[0], -0.4, 1e-5) {
		t.Fatalf("ciou = %v, want -0.4", ciou.Data()[0])
	}
}

func TestCIoUNeverExceedsIoU(t *testing.T) {
	a := tensor.MustNew([]float32{
		0, 0, 10, 10,
		2, 3, 9, 12,
		-5, -5, 5, 5,
		1, 1, 2, 8,
	}, 4, 4)
	b := tensor.MustNew([]float32{
		1, 1, 9, 9,
		0, 0, 4, 4,
		-5, 0, 6, 5,
		1, 1, 2, 8,
	}, 4, 4)
	iou, err := IoU(a, b)
	if err != nil {
		t.Fatalf("iou failed: %v", err)
	}
	ciou, err := CIoU(a, b)
	if err != nil {
		t.Fatalf("ciou failed: %v", err)
	}
	for i := range iou.Data() {
		if ciou.Data()[i] > iou.Data()[i]+1e-6 {
			t.Fatalf("ciou[%d] = %v exceeds iou %v", i, ciou.Data()[i], iou.Data()[i])
		}
	}
}

func TestCIoUBackwardFlowsThroughPredictions(t *testing.T) {
	a := tensor.MustNew([]float32{0, 0, 8, 6}, 1, 4)
	b := tensor.MustNew([]float32{1, 1, 9, 9}, 1, 4)
	a.SetRequiresGrad(true)
	ciou, err := CIoU(a, b)
	if err != nil {
		t.Fatalf("ciou failed: %v", err)
	}
	if err := tensor.Sum(ciou).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	grad := a.Grad().Data()
	var nonzero bool
	for _, g := range grad {
		if g != 0 {
			nonzero = true
		}
		if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
			t.Fatalf("non-finite ciou gradient: %v", grad)
		}
	}
	if !nonzero {
		t.Fatalf("ciou gradient is all zero")
	}
}

func TestIoUScalar(t *testing.T) {
	iou := IoUScalar([]float32{0, 0, 10, 10}, []float32{5, 0, 15, 10})
	if !almostEqual(iou, 1.0/3, 1e-5) {
		t.Fatalf("iou = %v, want 1/3", iou)
	}
	if IoUScalar([]float32{0, 0, 1, 1}, []float32{5, 5, 6, 6}) != 0 {
		t.Fatalf("disjoint boxes must have zero iou")
	}
}

func TestBoxConversionRoundTrip(t *testing.T) {
	xywh := tensor.MustNew([]float32{5, 5, 10, 10, 2, 3, 4, 2}, 2, 4)
	xyxy, err := XYWH2XYXY(xywh)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if !almostEqualSlices(xyxy.Data(), []float32{0, 0, 10, 10, 0, 2, 4, 4}, 1e-6) {
		t.Fatalf("xyxy mismatch: %v", xyxy.Data())
	}
	back, err := XYXY2XYWH(xyxy)
	if err != nil {
		t.Fatalf("convert back failed: %v", err)
	}
	if !almostEqualSlices(back.Data(), xywh.Data(), 1e-6) {
		t.Fatalf("round trip mismatch: %v", back.Data())
	}
}
