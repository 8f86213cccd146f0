package metrics

import (
	"math"
	"testing"
)

func TestPerfectDetections(t *testing.T) {
	acc := NewMeanAP()
	gts := []GroundTruth{
		{Box: [4]float32{0, 0, 10, 10}, Class: 0},
		{Box: [4]float32{20, 20, 30, 30}, Class: 1},
	}
	dets := []Detection{
		{Box: [4]float32{0, 0, 10, 10}, Score: 0.9, Class: 0},
		{Box: [4]float32{20, 20, 30, 30}, Score: 0.8, Class: 1},
	}
	acc.AddImage(dets, gts)
	map50, map5095 := acc.Compute()
	if map50 < 0.99 {
		t.Fatalf("perfect detections give map50 = %v", map50)
	}
	if map5095 < 0.99 {
		t.Fatalf("perfect detections give map50-95 = %v", map5095)
	}
}

func TestMissedAndSpuriousDetections(t *testing.T) {
	acc := NewMeanAP()
	gts := []GroundTruth{
		{Box: [4]float32{0, 0, 10, 10}, Class: 0},
		{Box: [4]float32{50, 50, 60, 60}, Class: 0},
	}
	dets := []Detection{
		{Box: [4]float32{0, 0, 10, 10}, Score: 0.9, Class: 0},
		// far from any GT
		{Box: [4]float32{100, 100, 110, 110}, Score: 0.8, Class: 0},
	}
	acc.AddImage(dets, gts)
	map50, _ := acc.Compute()
	if map50 <= 0 || map50 >= 1 {
		t.Fatalf("partial detections should land strictly between 0 and 1, got %v", map50)
	}
}

func TestLocalizationDegradesHighThresholds(t *testing.T) {
	acc := NewMeanAP()
	gts := []GroundTruth{{Box: [4]float32{0, 0, 10, 10}, Class: 0}}
	// IoU about 0.68: counts at 0.5 but not at 0.95
	dets := []Detection{{Box: [4]float32{2, 0, 12, 10}, Score: 0.9, Class: 0}}
	acc.AddImage(dets, gts)
	map50, map5095 := acc.Compute()
	if map50 < 0.99 {
		t.Fatalf("loose threshold should accept the detection, map50 = %v", map50)
	}
	if map5095 >= map50 {
		t.Fatalf("strict thresholds must degrade the mean: map50 %v, map50-95 %v", map50, map5095)
	}
}

func TestGreedyMatchingConsumesGT(t *testing.T) {
	acc := NewMeanAP()
	gts := []GroundTruth{{Box: [4]float32{0, 0, 10, 10}, Class: 0}}
	dets := []Detection{
		{Box: [4]float32{0, 0, 10, 10}, Score: 0.9, Class: 0},
		// duplicate of the same GT must count as a false positive
		{Box: [4]float32{0, 0, 10, 10}, Score: 0.8, Class: 0},
	}
	acc.AddImage(dets, gts)
	map50, _ := acc.Compute()
	if map50 >= 1 {
		t.Fatalf("duplicate detection should cost precision, map50 = %v", map50)
	}
}

func TestClassMeanSkipsAbsentClasses(t *testing.T) {
	acc := NewMeanAP()
	gts := []GroundTruth{{Box: [4]float32{0, 0, 10, 10}, Class: 3}}
	dets := []Detection{
		{Box: [4]float32{0, 0, 10, 10}, Score: 0.9, Class: 3},
		// detections of a class with no GT must not drag the mean down
		{Box: [4]float32{5, 5, 6, 6}, Score: 0.9, Class: 7},
	}
	acc.AddImage(dets, gts)
	map50, _ := acc.Compute()
	if map50 < 0.99 {
		t.Fatalf("absent classes must not enter the mean, map50 = %v", map50)
	}
}

func TestEmptyAccumulator(t *testing.T) {
	acc := NewMeanAP()
	map50, map5095 := acc.Compute()
	if map50 != 0 || map5095 != 0 {
		t.Fatalf("empty accumulator should report zeros, got %v / %v", map50, map5095)
	}
}

func TestFitness(t *testing.T) {
	got := Fitness(0.6, 0.4)
	want := float32(0.1*0.6 + 0.9*0.4)
	if math.Abs(float64(got-want)) > 1e-7 {
		t.Fatalf("fitness = %v, want %v", got, want)
	}
}
