package ema

import (
	"math"
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func newNet(t *testing.T) *nn.TinyNet {
	t.Helper()
	tensor.Seed(3)
	net, err := nn.NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	return net
}

func TestEffectiveDecayRamp(t *testing.T) {
	tr := NewTracker(newNet(t))
	d1 := float64(tr.EffectiveDecay(1))
	want1 := 0.9999 * (1 - math.Exp(-1.0/2000))
	if math.Abs(d1-want1) > 1e-7 {
		t.Fatalf("d_1 = %v, want %v", d1, want1)
	}
	d10k := float64(tr.EffectiveDecay(10000))
	want10k := 0.9999 * (1 - math.Exp(-5))
	if math.Abs(d10k-want10k) > 1e-6 {
		t.Fatalf("d_10000 = %v, want %v", d10k, want10k)
	}
}

func TestUpdateBlendsOnSegment(t *testing.T) {
	net := newNet(t)
	tr := NewTracker(net)
	before := tr.State()

	// move the live parameters, then fold once
	for _, nt := range net.NamedParameters() {
		raw := nt.Tensor.Raw()
		for i := range raw {
			raw[i] += 1
		}
	}
	tr.Update(net)
	d := tr.EffectiveDecay(1)
	after := tr.State()
	for _, nt := range net.NamedParameters() {
		prev := before[nt.Name].Data()
		cur := after[nt.Name].Data()
		live := nt.Tensor.Data()
		for i := range cur {
			want := d*prev[i] + (1-d)*live[i]
			if diff := cur[i] - want; diff > 1e-5 || diff < -1e-5 {
				t.Fatalf("%s[%d] = %v, want %v", nt.Name, i, cur[i], want)
			}
		}
	}
}

func TestCounterBuffersAreCopied(t *testing.T) {
	net := newNet(t)
	tr := NewTracker(net)
	net.NamedBuffers()[2].Tensor.Raw()[0] = 42 // num_batches_tracked
	tr.Update(net)
	got := tr.State()["stem.norm.num_batches_tracked"].Data()[0]
	if got != 42 {
		t.Fatalf("counter buffer = %v, want copied value 42", got)
	}
}

func TestApplyToInstallsShadow(t *testing.T) {
	net := newNet(t)
	tr := NewTracker(net)
	for _, nt := range net.NamedParameters() {
		raw := nt.Tensor.Raw()
		for i := range raw {
			raw[i] = 99
		}
	}
	if err := tr.ApplyTo(net); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	for _, nt := range net.NamedParameters() {
		shadow := tr.State()[nt.Name].Data()
		for i, v := range nt.Tensor.Data() {
			if v != shadow[i] {
				t.Fatalf("%s[%d] = %v after apply, want %v", nt.Name, i, v, shadow[i])
			}
		}
	}
}
