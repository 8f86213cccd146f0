// Package ema maintains an exponential moving average of a network's
// parameters and buffers, ramped in from zero so early updates do not
// anchor the average to the random initialization.
package ema

import (
	"strings"

	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// Tracker holds the averaged copy of every parameter and buffer.
type Tracker struct {
	Decay float32
	Tau   float32

	updates int
	names   []string
	shadow  map[string]*tensor.Tensor
}

// NewTracker seeds the average with the network's current state.
func NewTracker(net nn.Network) *Tracker {
	t := &Tracker{
		Decay:  0.9999,
		Tau:    2000,
		shadow: map[string]*tensor.Tensor{},
	}
	seed := func(nt nn.NamedTensor) {
		t.names = append(t.names, nt.Name)
		t.shadow[nt.Name] = nt.Tensor.Clone()
	}
	for _, nt := range net.NamedParameters() {
		seed(nt)
	}
	for _, nt := range net.NamedBuffers() {
		seed(nt)
	}
	return t
}

// Updates reports how many times the average has been advanced.
func (t *Tracker) Updates() int { return t.updates }

// EffectiveDecay is the ramped decay that the next Update would use at
// count n.
func (t *Tracker) EffectiveDecay(n int) float32 {
	return t.Decay * (1 - math32.Exp(-float32(n)/t.Tau))
}

// Update folds the network's current state into the average. Counter
// buffers are copied through instead of averaged.
func (t *Tracker) Update(net nn.Network) {
	t.updates++
	d := t.EffectiveDecay(t.updates)
	blend := func(nt nn.NamedTensor) {
		sh, ok := t.shadow[nt.Name]
		if !ok {
			t.names = append(t.names, nt.Name)
			t.shadow[nt.Name] = nt.Tensor.Clone()
			return
		}
		if isCounter(nt.Name) {
			copy(sh.Raw(), nt.Tensor.Data())
			return
		}
		dst := sh.Raw()
		src := nt.Tensor.Data()
		for i := range dst {
			dst[i] = d*dst[i] + (1-d)*src[i]
		}
	}
	for _, nt := range net.NamedParameters() {
		blend(nt)
	}
	for _, nt := range net.NamedBuffers() {
		blend(nt)
	}
}

// ApplyTo copies the averaged state into the network's live tensors.
func (t *Tracker) ApplyTo(net nn.Network) error {
	return nn.LoadStateDict(net, t.shadow)
}

// State returns clones of the averaged tensors keyed by name.
func (t *Tracker) State() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(t.shadow))
	for _, name := range t.names {
		out[name] = t.shadow[name].Clone()
	}
	return out
}

// Names returns the tracked tensor names in registration order.
func (t *Tracker) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// isCounter flags integer-valued bookkeeping buffers. The store is
// float32 throughout, so counters are identified by name.
func isCounter(name string) bool {
	return strings.HasSuffix(name, "num_batches_tracked")
}
