package loss

import (
	"math"
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/boxes"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func lossInputs(batch int) (rawBox, rawCls *tensor.Tensor, sizes []boxes.FeatureSize) {
	sizes = []boxes.FeatureSize{{H: 2, W: 2}, {H: 1, W: 1}}
	n := 5
	bins := 17
	rawBox = tensor.Randn(batch, 4*bins, n)
	rawBox.Scale(0.1)
	rawBox.SetRequiresGrad(true)
	rawCls = tensor.Randn(batch, 3, n)
	rawCls.Scale(0.1)
	rawCls.SetRequiresGrad(true)
	return
}

func TestDetectionLossEmptyForeground(t *testing.T) {
	tensor.Seed(7)
	l := NewDetectionLoss(3, []float32{8, 16})
	rawBox, rawCls, sizes := lossInputs(1)
	gtBoxes := tensor.Zeros(1, 1, 4)
	gtLabels := tensor.Zeros(1, 1, 1)
	gtMask := tensor.Zeros(1, 1, 1)

	total, comps, err := l.Forward(rawBox, rawCls, sizes, gtBoxes, gtLabels, gtMask, 32, 32)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if comps.Box != 0 || comps.DFL != 0 {
		t.Fatalf("box/dfl must be zero without foreground, got %v / %v", comps.Box, comps.DFL)
	}
	if comps.Cls <= 0 {
		t.Fatalf("classification must still contribute, got %v", comps.Cls)
	}
	if err := total.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if rawCls.Grad() == nil {
		t.Fatalf("cls logits received no gradient")
	}
}

func TestDetectionLossWithForeground(t *testing.T) {
	tensor.Seed(11)
	l := NewDetectionLoss(3, []float32{8, 16})
	rawBox, rawCls, sizes := lossInputs(2)
	// one live GT in image 0 covering the first feature cell, image 1 empty
	gtBoxes := tensor.MustNew([]float32{
		0, 0, 0.9, 0.9,
		0, 0, 0, 0,
	}, 2, 1, 4)
	gtLabels := tensor.MustNew([]float32{2, 0}, 2, 1, 1)
	gtMask := tensor.MustNew([]float32{1, 0}, 2, 1, 1)

	total, comps, err := l.Forward(rawBox, rawCls, sizes, gtBoxes, gtLabels, gtMask, 32, 32)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if comps.Box <= 0 || comps.Cls <= 0 || comps.DFL <= 0 {
		t.Fatalf("all components should be positive with a live GT: %+v", comps)
	}
	v := float64(total.Detach().Scalar())
	if math.IsNaN(v) || math.IsInf(v, 0) {
		t.Fatalf("non-finite total loss %v", v)
	}
	if err := total.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	for _, g := range rawBox.Grad().Data() {
		if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
			t.Fatalf("non-finite box gradient")
		}
	}
	if rawCls.Grad() == nil {
		t.Fatalf("cls logits received no gradient")
	}
}

func TestDetectionLossScalesWithBatch(t *testing.T) {
	l := NewDetectionLoss(3, []float32{8, 16})
	sizes := []boxes.FeatureSize{{H: 2, W: 2}, {H: 1, W: 1}}
	bins := 17
	mk := func(batch int) (*tensor.Tensor, *tensor.Tensor) {
		rb := tensor.Zeros(batch, 4*bins, 5)
		rc := tensor.Zeros(batch, 3, 5)
		rb.SetRequiresGrad(true)
		rc.SetRequiresGrad(true)
		return rb, rc
	}
	rb1, rc1 := mk(1)
	total1, _, err := l.Forward(rb1, rc1, sizes, tensor.Zeros(1, 1, 4), tensor.Zeros(1, 1, 1), tensor.Zeros(1, 1, 1), 32, 32)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	rb2, rc2 := mk(2)
	total2, _, err := l.Forward(rb2, rc2, sizes, tensor.Zeros(2, 1, 4), tensor.Zeros(2, 1, 1), tensor.Zeros(2, 1, 1), 32, 32)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	// identical per-image content: doubling the batch scales the total by
	// the batch factor on top of the doubled BCE sum
	v1 := total1.Detach().Scalar()
	v2 := total2.Detach().Scalar()
	if diff := v2 - 4*v1; diff > 1e-3 || diff < -1e-3 {
		t.Fatalf("batch scaling mismatch: B=1 gives %v, B=2 gives %v", v1, v2)
	}
}

func TestBCEWithLogitsSum(t *testing.T) {
	logits := tensor.Zeros(2, 2)
	targets := tensor.Zeros(2, 2)
	out, err := BCEWithLogits(logits, targets)
	if err != nil {
		t.Fatalf("bce failed: %v", err)
	}
	want := float32(4 * math.Log(2))
	got := out.Detach().Scalar()
	if diff := got - want; diff > 1e-5 || diff < -1e-5 {
		t.Fatalf("bce sum = %v, want %v", got, want)
	}
}
