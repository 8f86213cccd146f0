package tensor

import (
	"math"
	"testing"
)

func TestLogSoftmaxRow(t *testing.T) {
	a := MustNew([]float32{1, 2, 3, 0, 0, 0}, 2, 3)
	a.SetRequiresGrad(true)
	out, err := LogSoftmax(a, 1)
	if err != nil {
		t.Fatalf("log softmax failed: %v", err)
	}
	// second row is uniform: every entry -log(3)
	want := float32(-math.Log(3))
	for i := 3; i < 6; i++ {
		if diff := out.Data()[i] - want; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("uniform row entry %d = %v, want %v", i, out.Data()[i], want)
		}
	}
	// exp of each row sums to 1
	var sum float64
	for i := 0; i < 3; i++ {
		sum += math.Exp(float64(out.Data()[i]))
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("softmax row sums to %v", sum)
	}
	if err := Sum(out).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	// grad of sum(logsoftmax) per row is 1 - k*softmax; rows sum to zero
	g := a.Grad().Data()
	rowSum := g[0] + g[1] + g[2]
	if rowSum > 1e-5 || rowSum < -1e-5 {
		t.Fatalf("log softmax grad row sum = %v, want 0", rowSum)
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	a := MustNew([]float32{-2, 0, 5, 1, 1, 1}, 2, 3)
	out, err := Softmax(a, 1)
	if err != nil {
		t.Fatalf("softmax failed: %v", err)
	}
	for r := 0; r < 2; r++ {
		var sum float32
		for c := 0; c < 3; c++ {
			v := out.Data()[r*3+c]
			if v < 0 || v > 1 {
				t.Fatalf("softmax value %v out of range", v)
			}
			sum += v
		}
		if sum < 0.99999 || sum > 1.00001 {
			t.Fatalf("row %d sums to %v", r, sum)
		}
	}
}

func TestSigmoidCrossEntropyMatchesFormula(t *testing.T) {
	logits := MustNew([]float32{-3, 0, 2.5}, 3)
	targets := MustNew([]float32{0, 0.5, 1}, 3)
	logits.SetRequiresGrad(true)
	out, err := SigmoidCrossEntropy(logits, targets)
	if err != nil {
		t.Fatalf("bce failed: %v", err)
	}
	for i, x := range []float64{-3, 0, 2.5} {
		y := []float64{0, 0.5, 1}[i]
		want := math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		if diff := float64(out.Data()[i]) - want; math.Abs(diff) > 1e-6 {
			t.Fatalf("bce[%d] = %v, want %v", i, out.Data()[i], want)
		}
	}
	if err := Sum(out).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	for i, x := range []float64{-3, 0, 2.5} {
		y := []float64{0, 0.5, 1}[i]
		want := 1/(1+math.Exp(-x)) - y
		if diff := float64(logits.Grad().Data()[i]) - want; math.Abs(diff) > 1e-6 {
			t.Fatalf("bce grad[%d] = %v, want %v", i, logits.Grad().Data()[i], want)
		}
	}
}

func TestSigmoidCrossEntropyRejectsGradTargets(t *testing.T) {
	logits := MustNew([]float32{1}, 1)
	targets := MustNew([]float32{1}, 1)
	targets.SetRequiresGrad(true)
	if _, err := SigmoidCrossEntropy(logits, targets); err == nil {
		t.Fatalf("targets requiring grad should be rejected")
	}
}
