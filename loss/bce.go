package loss

import (
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// BCEWithLogits sums the elementwise binary cross-entropy between logits
// and soft targets over every element.
func BCEWithLogits(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	elems, err := tensor.SigmoidCrossEntropy(logits, targets)
	if err != nil {
		return nil, err
	}
	return tensor.Sum(elems), nil
}
