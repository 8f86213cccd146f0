package optim

import (
	"github.com/chewxy/math32"
)

// LRFunc maps an epoch index to a multiplier on the base LR.
type LRFunc func(epoch int) float32

// LinearLR decays the multiplier from 1 to finalRatio over the run.
func LinearLR(finalRatio float32, epochs int) LRFunc {
	return func(epoch int) float32 {
		if epochs <= 1 {
			return finalRatio
		}
		return 1 + (finalRatio-1)*float32(epoch)/float32(epochs-1)
	}
}

// CosineLR follows a half cosine from 1 to finalRatio.
func CosineLR(finalRatio float32, epochs int) LRFunc {
	return func(epoch int) float32 {
		if epochs <= 1 {
			return finalRatio
		}
		x := math32.Pi * float32(epoch) / float32(epochs-1)
		return (1-math32.Cos(x))/2*(finalRatio-1) + 1
	}
}

// Scheduler drives the per-batch learning rate and momentum. During
// warmup the bias group ramps from WarmupBiasLR and the other groups
// from zero; momentum ramps from WarmupMomentum. Afterwards every group
// follows base_lr * lr_fn(epoch).
type Scheduler struct {
	opt         Optimizer
	lrFn        LRFunc
	baseLR      float32
	momentum    float32
	warmupSteps int
	biasLR      float32
	warmupMom   float32

	step int
}

func NewScheduler(opt Optimizer, lrFn LRFunc, baseLR, momentum float32, warmupSteps int, warmupBiasLR, warmupMomentum float32) *Scheduler {
	return &Scheduler{
		opt:         opt,
		lrFn:        lrFn,
		baseLR:      baseLR,
		momentum:    momentum,
		warmupSteps: warmupSteps,
		biasLR:      warmupBiasLR,
		warmupMom:   warmupMomentum,
	}
}

// Step advances the schedule by one mini-batch of the given epoch. It
// must run before the batch's forward pass.
func (s *Scheduler) Step(epoch int) {
	s.step++
	target := s.baseLR * s.lrFn(epoch)
	groups := s.opt.Groups()
	if s.step <= s.warmupSteps && s.warmupSteps > 0 {
		x := float32(s.step) / float32(s.warmupSteps)
		for i, g := range groups {
			from := float32(0)
			if i == 2 {
				from = s.biasLR
			}
			g.LR = from + (target-from)*x
			g.Momentum = s.warmupMom + (s.momentum-s.warmupMom)*x
		}
		return
	}
	for _, g := range groups {
		g.LR = target
		g.Momentum = s.momentum
	}
}

// LR reports the current learning rate of the decayed weight group.
func (s *Scheduler) LR() float32 {
	return s.opt.Groups()[1].LR
}
