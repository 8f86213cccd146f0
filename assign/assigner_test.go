package assign

import (
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func trivialInputs() (predScores, predBoxes, anchors, gtLabels, gtBoxes, gtMask *tensor.Tensor) {
	predScores = tensor.MustNew([]float32{0.9, 0.1}, 1, 2, 1)
	predBoxes = tensor.MustNew([]float32{
		0, 0, 1, 1,
		0, 0, 1, 1,
	}, 1, 2, 4)
	anchors = tensor.MustNew([]float32{0.5, 0.5, 1.5, 0.5}, 2, 2)
	gtLabels = tensor.MustNew([]float32{0}, 1, 1, 1)
	gtBoxes = tensor.MustNew([]float32{0, 0, 1, 1}, 1, 1, 4)
	gtMask = tensor.MustNew([]float32{1}, 1, 1, 1)
	return
}

func TestAssignTrivialBatch(t *testing.T) {
	a := NewTaskAlignedAssigner(1)
	res, err := a.Assign(trivialInputs())
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	fg := res.FGMask.Data()
	if fg[0] != 1 || fg[1] != 0 {
		t.Fatalf("fg mask = %v, want (1, 0)", fg)
	}
	if res.Labels.Data()[0] != 0 {
		t.Fatalf("target label = %v, want 0", res.Labels.Data()[0])
	}
	box := res.Boxes.Data()[:4]
	want := []float32{0, 0, 1, 1}
	for i := range want {
		if box[i] != want[i] {
			t.Fatalf("target box = %v, want %v", box, want)
		}
	}
	score := res.Scores.Data()[0]
	if score < 1-1e-4 || score > 1+1e-4 {
		t.Fatalf("normalized target score = %v, want 1", score)
	}
	// background anchor contributes no score
	if res.Scores.Data()[1] != 0 {
		t.Fatalf("background score = %v, want 0", res.Scores.Data()[1])
	}
}

func TestAssignIsDeterministic(t *testing.T) {
	a := NewTaskAlignedAssigner(3)
	predScores := tensor.MustNew([]float32{
		0.2, 0.7, 0.1,
		0.6, 0.3, 0.9,
		0.5, 0.5, 0.5,
		0.8, 0.1, 0.2,
	}, 1, 4, 3)
	predBoxes := tensor.MustNew([]float32{
		0, 0, 2, 2,
		1, 1, 3, 3,
		0, 1, 2, 3,
		2, 2, 4, 4,
	}, 1, 4, 4)
	anchors := tensor.MustNew([]float32{0.5, 0.5, 1.5, 1.5, 0.5, 1.5, 2.5, 2.5}, 4, 2)
	gtLabels := tensor.MustNew([]float32{1, 2}, 1, 2, 1)
	gtBoxes := tensor.MustNew([]float32{0, 0, 2, 2, 1, 1, 4, 4}, 1, 2, 4)
	gtMask := tensor.MustNew([]float32{1, 1}, 1, 2, 1)

	first, err := a.Assign(predScores, predBoxes, anchors, gtLabels, gtBoxes, gtMask)
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	second, err := a.Assign(predScores, predBoxes, anchors, gtLabels, gtBoxes, gtMask)
	if err != nil {
		t.Fatalf("second assign failed: %v", err)
	}
	pairs := [][2][]float32{
		{first.FGMask.Data(), second.FGMask.Data()},
		{first.Labels.Data(), second.Labels.Data()},
		{first.Boxes.Data(), second.Boxes.Data()},
		{first.Scores.Data(), second.Scores.Data()},
		{first.GTIndex.Data(), second.GTIndex.Data()},
	}
	for p, pair := range pairs {
		for i := range pair[0] {
			if pair[0][i] != pair[1][i] {
				t.Fatalf("output %d differs at %d: %v vs %v", p, i, pair[0][i], pair[1][i])
			}
		}
	}
}

func TestAssignFGMaskMatchesGTIndex(t *testing.T) {
	a := NewTaskAlignedAssigner(2)
	predScores := tensor.MustNew([]float32{
		0.9, 0.1,
		0.2, 0.8,
		0.5, 0.5,
	}, 1, 3, 2)
	predBoxes := tensor.MustNew([]float32{
		0, 0, 2, 2,
		2, 0, 4, 2,
		0, 2, 2, 4,
	}, 1, 3, 4)
	anchors := tensor.MustNew([]float32{1, 1, 3, 1, 1, 3}, 3, 2)
	gtLabels := tensor.MustNew([]float32{0, 1}, 1, 2, 1)
	gtBoxes := tensor.MustNew([]float32{0, 0, 2, 2, 2, 0, 4, 2}, 1, 2, 4)
	gtMask := tensor.MustNew([]float32{1, 1}, 1, 2, 1)

	res, err := a.Assign(predScores, predBoxes, anchors, gtLabels, gtBoxes, gtMask)
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	var fgSum int
	for _, v := range res.FGMask.Data() {
		fgSum += int(v)
	}
	var assigned int
	for i, v := range res.FGMask.Data() {
		if v > 0 {
			gi := int(res.GTIndex.Data()[i])
			if gi < 0 || gi >= 2 {
				t.Fatalf("foreground anchor %d points at invalid gt %d", i, gi)
			}
			assigned++
		}
	}
	if fgSum != assigned {
		t.Fatalf("fg mask sum %d != anchors with valid gt %d", fgSum, assigned)
	}
}

func TestAssignMaskedGTIsIgnored(t *testing.T) {
	a := NewTaskAlignedAssigner(1)
	predScores, predBoxes, anchors, gtLabels, gtBoxes, _ := trivialInputs()
	gtMask := tensor.MustNew([]float32{0}, 1, 1, 1)
	res, err := a.Assign(predScores, predBoxes, anchors, gtLabels, gtBoxes, gtMask)
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	for i, v := range res.FGMask.Data() {
		if v != 0 {
			t.Fatalf("masked gt produced foreground anchor %d", i)
		}
	}
	for i, v := range res.Scores.Data() {
		if v != 0 {
			t.Fatalf("masked gt produced score at %d", i)
		}
	}
}

func TestAssignEmptyGTBatch(t *testing.T) {
	a := NewTaskAlignedAssigner(2)
	predScores := tensor.MustNew([]float32{0.5, 0.5, 0.5, 0.5}, 1, 2, 2)
	predBoxes := tensor.MustNew([]float32{0, 0, 1, 1, 1, 1, 2, 2}, 1, 2, 4)
	anchors := tensor.MustNew([]float32{0.5, 0.5, 1.5, 1.5}, 2, 2)
	gtLabels := tensor.Zeros(1, 0, 1)
	gtBoxes := tensor.Zeros(1, 0, 4)
	gtMask := tensor.Zeros(1, 0, 1)
	res, err := a.Assign(predScores, predBoxes, anchors, gtLabels, gtBoxes, gtMask)
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	for _, v := range res.FGMask.Data() {
		if v != 0 {
			t.Fatalf("empty gt batch produced foreground")
		}
	}
}
