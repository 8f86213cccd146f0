// Package metrics accumulates detection results into mean average
// precision over the COCO IoU threshold range.
package metrics

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"

	"github.com/fumitoshi0524/ixeoriDet/boxes"
)

// Detection is one confidence-filtered prediction in pixel xyxy.
type Detection struct {
	Box   [4]float32
	Score float32
	Class int
}

// GroundTruth is one labeled box in pixel xyxy.
type GroundTruth struct {
	Box   [4]float32
	Class int
}

type record struct {
	class int
	score float32
	tp    []bool
}

// MeanAP matches detections to ground truth greedily by descending
// confidence at each IoU threshold and integrates per-class
// precision/recall curves into AP.
type MeanAP struct {
	thresholds []float32
	records    []record
	gtCount    map[int]int
}

func NewMeanAP() *MeanAP {
	thr := make([]float32, 10)
	for i := range thr {
		thr[i] = 0.5 + 0.05*float32(i)
	}
	return &MeanAP{thresholds: thr, gtCount: map[int]int{}}
}

// AddImage accumulates one image's detections against its ground truth.
func (m *MeanAP) AddImage(dets []Detection, gts []GroundTruth) {
	for _, gt := range gts {
		m.gtCount[gt.Class]++
	}
	ordered := make([]Detection, len(dets))
	copy(ordered, dets)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	matched := make([][]bool, len(m.thresholds))
	for t := range matched {
		matched[t] = make([]bool, len(gts))
	}
	for _, det := range ordered {
		rec := record{class: det.Class, score: det.Score, tp: make([]bool, len(m.thresholds))}
		for t, thr := range m.thresholds {
			best := -1
			bestIoU := thr
			for g, gt := range gts {
				if gt.Class != det.Class || matched[t][g] {
					continue
				}
				iou := boxes.IoUScalar(det.Box[:], gt.Box[:])
				if iou >= bestIoU {
					bestIoU = iou
					best = g
				}
			}
			if best >= 0 {
				matched[t][best] = true
				rec.tp[t] = true
			}
		}
		m.records = append(m.records, rec)
	}
}

// Compute reports mAP@0.5 and mAP@[.5:.95], class-mean over the classes
// that appear in the accumulated ground truth.
func (m *MeanAP) Compute() (map50, map5095 float32) {
	classes := make([]int, 0, len(m.gtCount))
	for c, n := range m.gtCount {
		if n > 0 {
			classes = append(classes, c)
		}
	}
	if len(classes) == 0 {
		return 0, 0
	}
	sort.Ints(classes)

	var sum50, sumAll float64
	for _, c := range classes {
		aps := m.classAP(c)
		sum50 += aps[0]
		var mean float64
		for _, ap := range aps {
			mean += ap
		}
		sumAll += mean / float64(len(aps))
	}
	n := float64(len(classes))
	return float32(sum50 / n), float32(sumAll / n)
}

// classAP integrates one AP per IoU threshold for a single class.
func (m *MeanAP) classAP(class int) []float64 {
	var recs []record
	for _, r := range m.records {
		if r.class == class {
			recs = append(recs, r)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].score > recs[j].score })
	npos := float64(m.gtCount[class])

	aps := make([]float64, len(m.thresholds))
	if len(recs) == 0 {
		return aps
	}
	for t := range m.thresholds {
		tp := make([]float64, len(recs))
		fp := make([]float64, len(recs))
		for i, r := range recs {
			if r.tp[t] {
				tp[i] = 1
			} else {
				fp[i] = 1
			}
		}
		floats.CumSum(tp, append([]float64(nil), tp...))
		floats.CumSum(fp, append([]float64(nil), fp...))
		recall := make([]float64, len(recs))
		precision := make([]float64, len(recs))
		for i := range recs {
			recall[i] = tp[i] / npos
			precision[i] = tp[i] / (tp[i] + fp[i])
		}
		aps[t] = averagePrecision(recall, precision)
	}
	return aps
}

// averagePrecision integrates the precision envelope over a 101-point
// recall grid.
func averagePrecision(recall, precision []float64) float64 {
	mrec := make([]float64, 0, len(recall)+2)
	mpre := make([]float64, 0, len(precision)+2)
	mrec = append(mrec, 0)
	mpre = append(mpre, 1)
	mrec = append(mrec, recall...)
	mpre = append(mpre, precision...)
	mrec = append(mrec, 1)
	mpre = append(mpre, 0)
	for i := len(mpre) - 2; i >= 0; i-- {
		if mpre[i] < mpre[i+1] {
			mpre[i] = mpre[i+1]
		}
	}
	grid := make([]float64, 101)
	floats.Span(grid, 0, 1)
	interp := make([]float64, len(grid))
	for i, x := range grid {
		interp[i] = interpolate(mrec, mpre, x)
	}
	return integrate.Trapezoidal(grid, interp)
}

// interpolate evaluates the piecewise-linear curve (xs, ys) at x; xs is
// nondecreasing.
func interpolate(xs, ys []float64, x float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}
	for i := 1; i < len(xs); i++ {
		if x <= xs[i] {
			if xs[i] == xs[i-1] {
				return ys[i]
			}
			f := (x - xs[i-1]) / (xs[i] - xs[i-1])
			return ys[i-1] + f*(ys[i]-ys[i-1])
		}
	}
	return ys[len(ys)-1]
}

// Fitness combines the two mAP summaries into the scalar used for best
// model selection.
func Fitness(map50, map5095 float32) float32 {
	return 0.1*map50 + 0.9*map5095
}
