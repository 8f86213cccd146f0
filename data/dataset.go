// Package data supplies training batches: images with padded
// ground-truth tables, either from in-memory tensors or from an image
// folder with YOLO-style label files.
package data

import (
	"math/rand"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// Batch is one training mini-batch. Boxes are normalized xyxy, labels
// integer class indices, mask 1 where a GT slot is real; all three are
// padded to the batch's max GT count.
type Batch struct {
	Images *tensor.Tensor // (B, 3, H, W)
	Boxes  *tensor.Tensor // (B, M, 4)
	Labels *tensor.Tensor // (B, M, 1)
	Mask   *tensor.Tensor // (B, M, 1)
}

// BatchIter yields batches until the second result turns false.
type BatchIter func() (*Batch, bool)

// LabelStats summarizes the annotation inventory.
type LabelStats struct {
	TotalBoxes  int
	ClassCounts map[int]int
}

// Dataset is the loop's data collaborator.
type Dataset interface {
	// Batches returns a one-pass iterator. Shuffling uses a seeded
	// permutation so epochs are reproducible.
	Batches(batchSize int, shuffle bool, seed int64) BatchIter
	// SetPipeline swaps the augmentation pipeline; calling it again with
	// the same arguments is a no-op.
	SetPipeline(name string, useMosaic bool)
	Count() int
	LabelStats() LabelStats
}

// permutation returns identity or a seeded shuffle of [0, n).
func permutation(n int, shuffle bool, seed int64) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	return idx
}
