// Package assign matches predicted anchors to ground-truth boxes using the
// task-aligned metric score^alpha * iou^beta. All inputs are detached;
// nothing here participates in autograd.
package assign

import (
	"errors"
	"sort"

	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/boxes"
	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

type TaskAlignedAssigner struct {
	TopK       int
	NumClasses int
	Alpha      float32
	Beta       float32
	Eps        float32
}

func NewTaskAlignedAssigner(numClasses int) *TaskAlignedAssigner {
	return &TaskAlignedAssigner{
		TopK:       10,
		NumClasses: numClasses,
		Alpha:      0.5,
		Beta:       6.0,
		Eps:        1e-9,
	}
}

// Result carries the per-anchor training targets.
type Result struct {
	Labels  *tensor.Tensor // (B, N) class index per anchor
	Boxes   *tensor.Tensor // (B, N, 4) xyxy in the input units
	Scores  *tensor.Tensor // (B, N, C) weighted one-hot target scores
	FGMask  *tensor.Tensor // (B, N) 1 where the anchor is foreground
	GTIndex *tensor.Tensor // (B, N) index of the assigned ground truth
}

// Assign maps anchors to ground truths. predScores is (B, N, C) sigmoid
// confidences, predBoxes is (B, N, 4) xyxy, anchorPoints is (N, 2);
// gtLabels (B, M, 1), gtBoxes (B, M, 4) and gtMask (B, M, 1) follow the
// zero-padded batch layout. Everything shares one pixel unit system.
func (a *TaskAlignedAssigner) Assign(predScores, predBoxes, anchorPoints, gtLabels, gtBoxes, gtMask *tensor.Tensor) (*Result, error) {
	sShape := predScores.Shape()
	bShape := predBoxes.Shape()
	gShape := gtBoxes.Shape()
	if len(sShape) != 3 || len(bShape) != 3 || len(gShape) != 3 {
		return nil, errors.New("assigner expects rank 3 predictions and ground truths")
	}
	batch, n, classes := sShape[0], sShape[1], sShape[2]
	m := gShape[1]
	if bShape[0] != batch || bShape[1] != n || bShape[2] != 4 {
		return nil, errors.New("pred box shape mismatch")
	}
	if gShape[0] != batch || gShape[2] != 4 {
		return nil, errors.New("gt box shape mismatch")
	}

	res := &Result{
		Labels:  tensor.Zeros(batch, n),
		Boxes:   tensor.Zeros(batch, n, 4),
		Scores:  tensor.Zeros(batch, n, classes),
		FGMask:  tensor.Zeros(batch, n),
		GTIndex: tensor.Zeros(batch, n),
	}
	if m == 0 {
		return res, nil
	}

	scores := predScores.Raw()
	pboxes := predBoxes.Raw()
	anchors := anchorPoints.Raw()
	labels := gtLabels.Raw()
	gboxes := gtBoxes.Raw()
	mask := gtMask.Raw()

	outLabels := res.Labels.Raw()
	outBoxes := res.Boxes.Raw()
	outScores := res.Scores.Raw()
	outFG := res.FGMask.Raw()
	outGT := res.GTIndex.Raw()

	parallel.For(batch, func(bStart, bEnd int) {
		iou := make([]float32, m*n)
		align := make([]float32, m*n)
		inBox := make([]float32, m*n)
		pos := make([]float32, m*n)
		counts := make([]int, n)
		order := make([]int, n)
		for b := bStart; b < bEnd; b++ {
			// alignment metric, masked to in-box candidates of live GTs
			for g := 0; g < m; g++ {
				live := mask[(b*m+g)] != 0
				gb := gboxes[(b*m+g)*4 : (b*m+g)*4+4]
				cls := int(labels[b*m+g])
				if cls < 0 {
					cls = 0
				}
				for i := 0; i < n; i++ {
					idx := g*n + i
					iou[idx] = 0
					align[idx] = 0
					inBox[idx] = 0
					if !live {
						continue
					}
					ax, ay := anchors[i*2], anchors[i*2+1]
					dl := ax - gb[0]
					dt := ay - gb[1]
					dr := gb[2] - ax
					db := gb[3] - ay
					ov := boxes.IoUScalar(pboxes[(b*n+i)*4:(b*n+i)*4+4], gb)
					iou[idx] = ov
					if !(dl > a.Eps && dt > a.Eps && dr > a.Eps && db > a.Eps) {
						continue
					}
					inBox[idx] = 1
					sc := scores[(b*n+i)*classes+cls]
					align[idx] = math32.Pow(sc, a.Alpha) * math32.Pow(ov, a.Beta)
				}
			}

			// top-k per GT via the masked-scatter idiom: invalid rows force
			// their picks to anchor 0, then any count above 1 is zeroed.
			for g := 0; g < m; g++ {
				for i := range counts {
					counts[i] = 0
					order[i] = i
				}
				row := align[g*n : (g+1)*n]
				sort.SliceStable(order, func(x, y int) bool {
					return row[order[x]] > row[order[y]]
				})
				k := a.TopK
				if k > n {
					k = n
				}
				live := mask[b*m+g] != 0
				for j := 0; j < k; j++ {
					pick := order[j]
					if !live {
						pick = 0
					}
					counts[pick]++
				}
				for i := 0; i < n; i++ {
					topk := float32(0)
					if counts[i] == 1 {
						topk = 1
					}
					pos[g*n+i] = topk * inBox[g*n+i] * mask[b*m+g]
				}
			}

			// conflict resolution: anchors claimed by several GTs go to the
			// GT with the highest IoU.
			for i := 0; i < n; i++ {
				fg := float32(0)
				for g := 0; g < m; g++ {
					fg += pos[g*n+i]
				}
				if fg > 1 {
					best := 0
					bestIoU := iou[i]
					for g := 1; g < m; g++ {
						if iou[g*n+i] > bestIoU {
							bestIoU = iou[g*n+i]
							best = g
						}
					}
					for g := 0; g < m; g++ {
						if g == best {
							pos[g*n+i] = 1
						} else {
							pos[g*n+i] = 0
						}
					}
				}
			}

			// target assembly
			for i := 0; i < n; i++ {
				fg := float32(0)
				tg := 0
				for g := 0; g < m; g++ {
					if pos[g*n+i] > 0 {
						fg = 1
						tg = g
						break
					}
				}
				outGT[b*n+i] = float32(tg)
				outFG[b*n+i] = fg
				if fg == 0 {
					continue
				}
				cls := int(labels[b*m+tg])
				if cls < 0 {
					cls = 0
				}
				outLabels[b*n+i] = float32(cls)
				copy(outBoxes[(b*n+i)*4:(b*n+i)*4+4], gboxes[(b*m+tg)*4:(b*m+tg)*4+4])
				outScores[(b*n+i)*classes+cls] = 1
			}

			// score normalization: scale the one-hot targets so the best
			// anchor of each GT carries that GT's best IoU.
			norm := make([]float32, n)
			for g := 0; g < m; g++ {
				mMax := float32(0)
				oMax := float32(0)
				for i := 0; i < n; i++ {
					am := align[g*n+i] * pos[g*n+i]
					om := iou[g*n+i] * pos[g*n+i]
					if am > mMax {
						mMax = am
					}
					if om > oMax {
						oMax = om
					}
				}
				for i := 0; i < n; i++ {
					v := align[g*n+i] * pos[g*n+i] * oMax / (mMax + a.Eps)
					if v > norm[i] {
						norm[i] = v
					}
				}
			}
			for i := 0; i < n; i++ {
				for c := 0; c < classes; c++ {
					outScores[(b*n+i)*classes+c] *= norm[i]
				}
			}
		}
	})
	return res, nil
}
