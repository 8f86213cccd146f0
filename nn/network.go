// Package nn defines the contract between the training engine and the
// detection network, plus helpers for working with its parameter store.
package nn

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fumitoshi0524/ixeoriDet/boxes"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// NamedTensor pairs a dotted hierarchical name with its tensor.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// Network is the detection model seen from the training loop. The
// architecture itself lives behind this interface.
type Network interface {
	// ForwardTrain runs the training path and returns raw per-scale box
	// bin logits (B, 4*(R+1), N), class logits (B, C, N) and the feature
	// sizes that produced the N anchors.
	ForwardTrain(images *tensor.Tensor) (rawBox, rawCls *tensor.Tensor, sizes []boxes.FeatureSize, err error)
	// Forward runs the inference path, returning decoded but unfiltered
	// boxes (B, 4, N) in pixel xywh and class logits (B, C, N).
	Forward(images *tensor.Tensor) (boxesXYWH, clsLogits *tensor.Tensor, err error)

	NamedParameters() []NamedTensor
	NamedBuffers() []NamedTensor

	// FeatureChannels reports the per-scale channel counts of the neck
	// output; ancillary hooks may use it, the core does not require it.
	FeatureChannels() []int
	Strides() []float32
	NumClasses() int
	RegMax() int

	Train()
	Eval()
}

// Builder constructs a Network for a registered version string.
type Builder func(numClasses int, variant string) (Network, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Builder{}
)

// Register installs a network builder under a version key.
func Register(version string, b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[version] = b
}

// New builds a registered network.
func New(version string, numClasses int, variant string) (Network, error) {
	registryMu.RLock()
	b, ok := registry[version]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model version %q (registered: %v)", version, Versions())
	}
	return b(numClasses, variant)
}

// Versions lists the registered model versions.
func Versions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
