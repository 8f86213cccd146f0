package nn

import (
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func TestRegistry(t *testing.T) {
	found := false
	for _, v := range Versions() {
		if v == "tiny" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tiny is not registered: %v", Versions())
	}
	net, err := New("tiny", 5, "n")
	if err != nil {
		t.Fatalf("building registered network failed: %v", err)
	}
	if net.NumClasses() != 5 {
		t.Fatalf("classes = %d, want 5", net.NumClasses())
	}
	if _, err := New("nope", 5, "n"); err == nil {
		t.Fatalf("unknown version should fail")
	}
}

func TestForwardTrainShapes(t *testing.T) {
	tensor.Seed(11)
	net, err := NewTinyNet(3)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	images := tensor.Randn(2, 3, 64, 64)
	rawBox, rawCls, sizes, err := net.ForwardTrain(images)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	// 64/8=8, 64/16=4, 64/32=2 so 64+16+4 anchors
	anchors := 0
	for _, s := range sizes {
		anchors += s.H * s.W
	}
	if anchors != 84 {
		t.Fatalf("anchor count = %d, want 84", anchors)
	}
	bins := net.RegMax() + 1
	bShape := rawBox.Shape()
	if bShape[0] != 2 || bShape[1] != 4*bins || bShape[2] != 84 {
		t.Fatalf("box logits shape %v", bShape)
	}
	cShape := rawCls.Shape()
	if cShape[0] != 2 || cShape[1] != 3 || cShape[2] != 84 {
		t.Fatalf("class logits shape %v", cShape)
	}
}

func TestForwardDecodesPixelBoxes(t *testing.T) {
	tensor.Seed(12)
	net, err := NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	net.Eval()
	images := tensor.Randn(1, 3, 64, 64)
	boxesXYWH, clsLogits, err := net.Forward(images)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	shape := boxesXYWH.Shape()
	if shape[0] != 1 || shape[1] != 4 || shape[2] != 84 {
		t.Fatalf("decoded box shape %v", shape)
	}
	if clsLogits.RequiresGrad() {
		t.Fatalf("inference outputs must be detached")
	}
	// decoded widths and heights are non-negative
	raw := boxesXYWH.Data()
	for i := 0; i < 84; i++ {
		if raw[2*84+i] < 0 || raw[3*84+i] < 0 {
			t.Fatalf("anchor %d has negative extent", i)
		}
	}
}

func TestTrainModeUpdatesRunningStats(t *testing.T) {
	tensor.Seed(13)
	net, err := NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	images := tensor.Randn(2, 3, 32, 32)
	if _, _, _, err := net.ForwardTrain(images); err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if net.numBatches.Data()[0] != 1 {
		t.Fatalf("batch counter = %v after one training step", net.numBatches.Data()[0])
	}
	net.Eval()
	before := net.runningMean.Data()[0]
	if _, _, _, err := net.ForwardTrain(images); err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if net.runningMean.Data()[0] != before || net.numBatches.Data()[0] != 1 {
		t.Fatalf("eval mode must freeze running statistics")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	tensor.Seed(14)
	a, err := NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	b, err := NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	if err := LoadStateDict(b, StateDict(a)); err != nil {
		t.Fatalf("loading state failed: %v", err)
	}
	sa, sb := StateDict(a), StateDict(b)
	for name, ta := range sa {
		tb, ok := sb[name]
		if !ok {
			t.Fatalf("missing %s after load", name)
		}
		for i, v := range ta.Data() {
			if tb.Data()[i] != v {
				t.Fatalf("%s[%d] differs after round trip", name, i)
			}
		}
	}
	// the state dict clones: mutating it must not touch the live tensors
	sa["stem.norm.weight"].Raw()[0] = 99
	if a.normWeight.Data()[0] == 99 {
		t.Fatalf("state dict must hold copies")
	}
}
