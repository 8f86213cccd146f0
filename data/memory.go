package data

import (
	"errors"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

type sample struct {
	image  *tensor.Tensor // (3, H, W)
	boxes  [][4]float32   // normalized xyxy
	labels []int
}

// TensorDataset serves samples already resident in memory. It backs the
// engine's tests and any caller that does its own decoding.
type TensorDataset struct {
	samples  []sample
	pipeline string
	mosaic   bool
}

// NewTensorDataset takes images (K, 3, H, W) with per-image box lists.
// boxes[k] is (G_k, 4) normalized xyxy and labels[k] the class indices.
func NewTensorDataset(images *tensor.Tensor, boxes [][][4]float32, labels [][]int) (*TensorDataset, error) {
	shape := images.Shape()
	if len(shape) != 4 || shape[1] != 3 {
		return nil, errors.New("images must be (K, 3, H, W)")
	}
	k := shape[0]
	if len(boxes) != k || len(labels) != k {
		return nil, errors.New("boxes/labels length must match image count")
	}
	ds := &TensorDataset{pipeline: "default"}
	per := shape[1] * shape[2] * shape[3]
	raw := images.Data()
	for i := 0; i < k; i++ {
		if len(boxes[i]) != len(labels[i]) {
			return nil, errors.New("boxes/labels per-image mismatch")
		}
		img := tensor.MustNew(append([]float32(nil), raw[i*per:(i+1)*per]...), shape[1], shape[2], shape[3])
		ds.samples = append(ds.samples, sample{image: img, boxes: boxes[i], labels: labels[i]})
	}
	return ds, nil
}

func (d *TensorDataset) Count() int { return len(d.samples) }

func (d *TensorDataset) SetPipeline(name string, useMosaic bool) {
	d.pipeline = name
	d.mosaic = useMosaic
}

// Pipeline reports the active pipeline name and mosaic flag.
func (d *TensorDataset) Pipeline() (string, bool) { return d.pipeline, d.mosaic }

func (d *TensorDataset) LabelStats() LabelStats {
	stats := LabelStats{ClassCounts: map[int]int{}}
	for _, s := range d.samples {
		stats.TotalBoxes += len(s.labels)
		for _, c := range s.labels {
			stats.ClassCounts[c]++
		}
	}
	return stats
}

func (d *TensorDataset) Batches(batchSize int, shuffle bool, seed int64) BatchIter {
	if batchSize <= 0 {
		batchSize = 1
	}
	order := permutation(len(d.samples), shuffle, seed)
	pos := 0
	return func() (*Batch, bool) {
		if pos >= len(order) {
			return nil, false
		}
		end := pos + batchSize
		if end > len(order) {
			end = len(order)
		}
		picked := make([]sample, 0, end-pos)
		for _, idx := range order[pos:end] {
			picked = append(picked, d.samples[idx])
		}
		pos = end
		return collate(picked), true
	}
}

// collate stacks samples and pads GT tables to the batch max.
func collate(samples []sample) *Batch {
	b := len(samples)
	shape := samples[0].image.Shape()
	per := shape[0] * shape[1] * shape[2]
	images := tensor.Zeros(b, shape[0], shape[1], shape[2])
	dst := images.Raw()
	maxGT := 1
	for i, s := range samples {
		copy(dst[i*per:], s.image.Data())
		if len(s.boxes) > maxGT {
			maxGT = len(s.boxes)
		}
	}
	boxes := tensor.Zeros(b, maxGT, 4)
	labels := tensor.Zeros(b, maxGT, 1)
	mask := tensor.Zeros(b, maxGT, 1)
	bRaw, lRaw, mRaw := boxes.Raw(), labels.Raw(), mask.Raw()
	for i, s := range samples {
		for g, box := range s.boxes {
			base := (i*maxGT + g) * 4
			bRaw[base] = box[0]
			bRaw[base+1] = box[1]
			bRaw[base+2] = box[2]
			bRaw[base+3] = box[3]
			lRaw[i*maxGT+g] = float32(s.labels[g])
			mRaw[i*maxGT+g] = 1
		}
	}
	return &Batch{Images: images, Boxes: boxes, Labels: labels, Mask: mask}
}
