package train

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/chewxy/math32"

	"github.com/fumitoshi0524/ixeoriDet/checkpoints"
	"github.com/fumitoshi0524/ixeoriDet/data"
	"github.com/fumitoshi0524/ixeoriDet/ema"
	"github.com/fumitoshi0524/ixeoriDet/loss"
	"github.com/fumitoshi0524/ixeoriDet/metrics"
	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/optim"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// EpochMetrics is the per-epoch summary handed to observers and the
// results file.
type EpochMetrics struct {
	Epoch    int
	BoxLoss  float32
	ClsLoss  float32
	DFLLoss  float32
	MAP50    float32
	MAP5095  float32
	Fitness  float32
	LR       float32
	Best     bool
	NoValGT  bool
	Warnings []string
}

// Observer receives the metrics after every epoch.
type Observer func(EpochMetrics)

// Result summarizes a finished (or interrupted) run.
type Result struct {
	EpochsRun   int
	BestEpoch   int
	BestFitness float32
	Stopped     string // completed, early-stop, cancelled
	SaveDir     string
}

// Trainer owns the full run state.
type Trainer struct {
	Cfg       Config
	Net       nn.Network
	TrainData data.Dataset
	ValData   data.Dataset // nil falls back to best-by-training-loss
	Observer  Observer
	Logger    *log.Logger

	loss *loss.DetectionLoss
	opt  optim.Optimizer
	sch  *optim.Scheduler
	ema  *ema.Tracker
}

func New(cfg Config, net nn.Network, trainData, valData data.Dataset) *Trainer {
	return &Trainer{
		Cfg:       cfg,
		Net:       net,
		TrainData: trainData,
		ValData:   valData,
		Logger:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

// Train runs the whole schedule. Cancellation is polled between batches
// and always flushes last.pt before returning.
func (t *Trainer) Train(ctx context.Context) (*Result, error) {
	cfg := t.Cfg
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tensor.Seed(cfg.Seed)
	if err := cfg.writeArgs(); err != nil {
		return nil, err
	}
	resFile, err := os.Create(filepath.Join(cfg.SaveDir, "results.csv"))
	if err != nil {
		return nil, err
	}
	defer resFile.Close()
	resW := csv.NewWriter(resFile)
	resW.Write([]string{"epoch", "box_loss", "cls_loss", "dfl_loss", "map50", "map50_95", "fitness", "lr"})

	t.loss = loss.NewDetectionLoss(cfg.NumClasses, t.Net.Strides())
	t.loss.BoxGain = cfg.BoxGain
	t.loss.ClsGain = cfg.ClsGain
	t.loss.DFLGain = cfg.DFLGain
	t.loss.RegMax = t.Net.RegMax()

	opt, lr, momentum, err := optim.Build(t.Net, optim.BuildConfig{
		Name:         cfg.Optimizer,
		LR0:          cfg.LR0,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
		NominalBatch: cfg.NominalBatch,
		Batch:        cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	t.opt = opt

	batchesPerEpoch := (t.TrainData.Count() + cfg.BatchSize - 1) / cfg.BatchSize
	if batchesPerEpoch < 1 {
		batchesPerEpoch = 1
	}
	lrFn := optim.LinearLR(cfg.LRF, cfg.Epochs)
	if cfg.CosLR {
		lrFn = optim.CosineLR(cfg.LRF, cfg.Epochs)
	}
	warmupSteps := int(cfg.WarmupEpochs * float32(batchesPerEpoch))
	t.sch = optim.NewScheduler(opt, lrFn, lr, momentum, warmupSteps, cfg.WarmupBiasLR, cfg.WarmupMomentum)
	t.ema = ema.NewTracker(t.Net)

	accumulate := int(math.Round(float64(cfg.NominalBatch) / float64(cfg.BatchSize)))
	if accumulate < 1 {
		accumulate = 1
	}

	res := &Result{SaveDir: cfg.SaveDir, BestEpoch: -1, BestFitness: float32(math32.Inf(-1)), Stopped: "completed"}
	bestLoss := float32(math32.Inf(1))
	patienceCounter := 0
	mosaicClosed := false
	sinceStep := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if !mosaicClosed && epoch >= cfg.Epochs-cfg.CloseMosaic {
			t.TrainData.SetPipeline("default", false)
			mosaicClosed = true
			t.Logger.Printf("epoch %d: closing mosaic augmentation", epoch)
		}
		t.Net.Train()

		var sumBox, sumCls, sumDFL float32
		batches := 0
		next := t.TrainData.Batches(cfg.BatchSize, true, cfg.Seed+int64(epoch))
		cancelled := false
		for {
			select {
			case <-ctx.Done():
				cancelled = true
			default:
			}
			if cancelled {
				break
			}
			batch, ok := next()
			if !ok {
				break
			}
			t.sch.Step(epoch)
			comps, err := t.step(batch)
			if err != nil {
				t.saveLast(epoch)
				return res, fmt.Errorf("epoch %d batch %d: %w", epoch, batches, err)
			}
			sumBox += comps.Box
			sumCls += comps.Cls
			sumDFL += comps.DFL
			batches++
			sinceStep++
			if sinceStep >= accumulate {
				if err := t.applyStep(); err != nil {
					t.saveLast(epoch)
					return res, err
				}
				sinceStep = 0
			}
		}
		if cancelled {
			res.Stopped = "cancelled"
			res.EpochsRun = epoch
			t.saveLast(epoch)
			return res, nil
		}
		if batches > 0 && sinceStep > 0 {
			// flush the trailing partial accumulation window
			if err := t.applyStep(); err != nil {
				t.saveLast(epoch)
				return res, err
			}
			sinceStep = 0
		}

		m := EpochMetrics{Epoch: epoch, LR: t.sch.LR()}
		if batches > 0 {
			m.BoxLoss = sumBox / float32(batches)
			m.ClsLoss = sumCls / float32(batches)
			m.DFLLoss = sumDFL / float32(batches)
		}
		trainLoss := m.BoxLoss + m.ClsLoss + m.DFLLoss

		improved := false
		if t.ValData != nil {
			map50, map5095, noGT, err := t.validate()
			if err != nil {
				t.saveLast(epoch)
				return res, err
			}
			m.MAP50, m.MAP5095 = map50, map5095
			m.Fitness = metrics.Fitness(map50, map5095)
			m.NoValGT = noGT
			if noGT {
				m.Warnings = append(m.Warnings, "validation set has no ground truth")
			}
			if m.Fitness > res.BestFitness {
				res.BestFitness = m.Fitness
				res.BestEpoch = epoch
				improved = true
			}
		} else if trainLoss < bestLoss {
			bestLoss = trainLoss
			res.BestEpoch = epoch
			improved = true
		}
		m.Best = improved

		if improved {
			if err := t.saveCheckpoint(filepath.Join(cfg.SaveDir, "weights", "best.pt")); err != nil {
				return res, err
			}
			patienceCounter = 0
		} else {
			patienceCounter++
		}
		t.saveLast(epoch)

		resW.Write([]string{
			fmt.Sprintf("%d", epoch),
			fmt.Sprintf("%.5f", m.BoxLoss),
			fmt.Sprintf("%.5f", m.ClsLoss),
			fmt.Sprintf("%.5f", m.DFLLoss),
			fmt.Sprintf("%.5f", m.MAP50),
			fmt.Sprintf("%.5f", m.MAP5095),
			fmt.Sprintf("%.5f", m.Fitness),
			fmt.Sprintf("%.6f", m.LR),
		})
		resW.Flush()
		t.Logger.Printf("epoch %d/%d box %.4f cls %.4f dfl %.4f map50 %.4f map50-95 %.4f fitness %.4f lr %.6f best=%v",
			epoch+1, cfg.Epochs, m.BoxLoss, m.ClsLoss, m.DFLLoss, m.MAP50, m.MAP5095, m.Fitness, m.LR, m.Best)
		if t.Observer != nil {
			t.Observer(m)
		}
		res.EpochsRun = epoch + 1

		if cfg.Patience > 0 && patienceCounter >= cfg.Patience {
			res.Stopped = "early-stop"
			t.Logger.Printf("early stopping after %d epochs without improvement", patienceCounter)
			break
		}
	}
	return res, nil
}

// step runs one forward/backward, leaving gradients accumulated.
func (t *Trainer) step(b *data.Batch) (loss.Components, error) {
	rawBox, rawCls, sizes, err := t.Net.ForwardTrain(b.Images)
	if err != nil {
		return loss.Components{}, err
	}
	total, comps, err := t.loss.Forward(rawBox, rawCls, sizes, b.Boxes, b.Labels, b.Mask, t.Cfg.ImgSize, t.Cfg.ImgSize)
	if err != nil {
		return loss.Components{}, err
	}
	if err := total.Backward(); err != nil {
		return loss.Components{}, err
	}
	return comps, nil
}

// applyStep clips, steps the optimizer, clears gradients and folds the
// new parameters into the EMA.
func (t *Trainer) applyStep() error {
	optim.ClipGradNorm(nn.Parameters(t.Net), t.Cfg.MaxGradNorm)
	if err := t.opt.Step(); err != nil {
		return err
	}
	t.opt.ZeroGrad()
	t.ema.Update(t.Net)
	return nil
}

// validate swaps EMA weights in, runs the inference path over the
// validation set and restores the live parameters.
func (t *Trainer) validate() (map50, map5095 float32, noGT bool, err error) {
	snapshot := nn.StateDict(t.Net)
	if err := t.ema.ApplyTo(t.Net); err != nil {
		return 0, 0, false, err
	}
	t.Net.Eval()
	defer func() {
		t.Net.Train()
		if rerr := nn.LoadStateDict(t.Net, snapshot); rerr != nil && err == nil {
			err = rerr
		}
	}()

	acc := metrics.NewMeanAP()
	totalGT := 0
	next := t.ValData.Batches(t.Cfg.BatchSize, false, 0)
	for {
		batch, ok := next()
		if !ok {
			break
		}
		boxesXYWH, clsLogits, ferr := t.Net.Forward(batch.Images)
		if ferr != nil {
			return 0, 0, false, ferr
		}
		totalGT += t.accumulateBatch(acc, batch, boxesXYWH, clsLogits)
	}
	if totalGT == 0 {
		return 0, 0, true, nil
	}
	map50, map5095 = acc.Compute()
	return map50, map5095, false, nil
}

// accumulateBatch collapses per-anchor predictions to single-class
// detections, filters by confidence and feeds the accumulator. Returns
// the batch's GT count.
func (t *Trainer) accumulateBatch(acc *metrics.MeanAP, b *data.Batch, boxesXYWH, clsLogits *tensor.Tensor) int {
	const confThreshold = 0.001
	bShape := boxesXYWH.Shape()
	batch, n := bShape[0], bShape[2]
	classes := clsLogits.Shape()[1]
	boxRaw := boxesXYWH.Data()
	clsRaw := clsLogits.Data()

	gtShape := b.Boxes.Shape()
	m := gtShape[1]
	gtBox := b.Boxes.Data()
	gtLabel := b.Labels.Data()
	gtMask := b.Mask.Data()
	size := float32(t.Cfg.ImgSize)

	totalGT := 0
	for i := 0; i < batch; i++ {
		var dets []metrics.Detection
		for a := 0; a < n; a++ {
			bestC := 0
			bestLogit := clsRaw[(i*classes)*n+a]
			for c := 1; c < classes; c++ {
				v := clsRaw[(i*classes+c)*n+a]
				if v > bestLogit {
					bestLogit = v
					bestC = c
				}
			}
			conf := 1 / (1 + math32.Exp(-bestLogit))
			if conf <= confThreshold {
				continue
			}
			cx := boxRaw[(i*4+0)*n+a]
			cy := boxRaw[(i*4+1)*n+a]
			w := boxRaw[(i*4+2)*n+a]
			h := boxRaw[(i*4+3)*n+a]
			dets = append(dets, metrics.Detection{
				Box:   [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
				Score: conf,
				Class: bestC,
			})
		}
		var gts []metrics.GroundTruth
		for g := 0; g < m; g++ {
			if gtMask[i*m+g] == 0 {
				continue
			}
			base := (i*m + g) * 4
			gts = append(gts, metrics.GroundTruth{
				Box:   [4]float32{gtBox[base] * size, gtBox[base+1] * size, gtBox[base+2] * size, gtBox[base+3] * size},
				Class: int(gtLabel[i*m+g]),
			})
		}
		totalGT += len(gts)
		acc.AddImage(dets, gts)
	}
	return totalGT
}

// saveCheckpoint writes the EMA-substituted state without touching the
// live parameters.
func (t *Trainer) saveCheckpoint(path string) error {
	return checkpoints.WriteArchive(path, t.ema.Names(), t.ema.State())
}

func (t *Trainer) saveLast(epoch int) {
	path := filepath.Join(t.Cfg.SaveDir, "weights", "last.pt")
	if err := t.saveCheckpoint(path); err != nil {
		t.Logger.Printf("epoch %d: writing last.pt failed: %v", epoch, err)
	}
}
