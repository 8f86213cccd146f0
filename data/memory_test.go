package data

import (
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func buildDataset(t *testing.T) *TensorDataset {
	t.Helper()
	images := tensor.Zeros(5, 3, 8, 8)
	for i := range images.Raw() {
		images.Raw()[i] = float32(i%7) / 7
	}
	boxes := [][][4]float32{
		{{0, 0, 0.5, 0.5}},
		{{0.1, 0.1, 0.9, 0.9}, {0.2, 0.2, 0.4, 0.4}},
		{},
		{{0.5, 0.5, 1, 1}},
		{{0, 0, 1, 1}, {0.3, 0.3, 0.6, 0.6}, {0.7, 0.1, 0.9, 0.4}},
	}
	labels := [][]int{{0}, {1, 0}, {}, {2}, {0, 1, 2}}
	ds, err := NewTensorDataset(images, boxes, labels)
	if err != nil {
		t.Fatalf("building dataset failed: %v", err)
	}
	return ds
}

func TestBatchesShapesAndPadding(t *testing.T) {
	ds := buildDataset(t)
	if ds.Count() != 5 {
		t.Fatalf("count = %d, want 5", ds.Count())
	}
	next := ds.Batches(2, false, 0)
	first, ok := next()
	if !ok {
		t.Fatalf("first batch missing")
	}
	shape := first.Images.Shape()
	if shape[0] != 2 || shape[1] != 3 || shape[2] != 8 || shape[3] != 8 {
		t.Fatalf("image batch shape %v", shape)
	}
	// batch of samples 0 and 1: max 2 GTs, sample 0 padded
	if first.Boxes.Shape()[1] != 2 {
		t.Fatalf("GT padding %v, want 2", first.Boxes.Shape())
	}
	mask := first.Mask.Data()
	if mask[0] != 1 || mask[1] != 0 || mask[2] != 1 || mask[3] != 1 {
		t.Fatalf("mask mismatch: %v", mask)
	}
	// the padded slot must be zero
	if first.Boxes.Data()[4] != 0 || first.Labels.Data()[1] != 0 {
		t.Fatalf("padded GT slot is not zeroed")
	}
	count := 1
	for {
		if _, ok := next(); !ok {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("5 samples at batch 2 should give 3 batches, got %d", count)
	}
}

func TestShuffleIsSeeded(t *testing.T) {
	ds := buildDataset(t)
	collect := func(seed int64) []float32 {
		var out []float32
		next := ds.Batches(1, true, seed)
		for {
			b, ok := next()
			if !ok {
				return out
			}
			out = append(out, b.Images.Data()[0])
		}
	}
	a := collect(42)
	b := collect(42)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different order")
		}
	}
	c := collect(43)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different seeds produced identical order")
	}
}

func TestLabelStats(t *testing.T) {
	ds := buildDataset(t)
	stats := ds.LabelStats()
	if stats.TotalBoxes != 7 {
		t.Fatalf("total boxes = %d, want 7", stats.TotalBoxes)
	}
	if stats.ClassCounts[0] != 3 || stats.ClassCounts[1] != 2 || stats.ClassCounts[2] != 2 {
		t.Fatalf("class counts mismatch: %v", stats.ClassCounts)
	}
}

func TestSetPipelineIsIdempotent(t *testing.T) {
	ds := buildDataset(t)
	ds.SetPipeline("mosaic", true)
	ds.SetPipeline("mosaic", true)
	name, mosaic := ds.Pipeline()
	if name != "mosaic" || !mosaic {
		t.Fatalf("pipeline = %s/%v", name, mosaic)
	}
	ds.SetPipeline("default", false)
	name, mosaic = ds.Pipeline()
	if name != "default" || mosaic {
		t.Fatalf("pipeline after swap = %s/%v", name, mosaic)
	}
}
