package optim

import (
	"fmt"
	"math"
	"strings"

	"github.com/fumitoshi0524/ixeoriDet/nn"
)

// BuildConfig selects and parameterizes the optimizer.
type BuildConfig struct {
	Name         string // auto, SGD, Adam, AdamW
	LR0          float32
	Momentum     float32
	WeightDecay  float32
	NominalBatch int
	Batch        int
}

// Build constructs the grouped optimizer. In auto mode the algorithm
// and its starting LR follow the class count: large vocabularies get
// SGD, everything else AdamW with a fitted LR. The decayed group's
// weight decay is rescaled by nominal_batch/actual_batch. Returns the
// optimizer plus the LR and momentum actually chosen, which may differ
// from the config in auto mode.
func Build(net nn.Network, cfg BuildConfig) (Optimizer, float32, float32, error) {
	name := cfg.Name
	lr := cfg.LR0
	momentum := cfg.Momentum
	if strings.EqualFold(name, "auto") {
		if net.NumClasses() >= 10000 {
			name, lr, momentum = "SGD", 0.01, 0.9
		} else {
			fit := 0.002 * 5 / (4 + float64(net.NumClasses()))
			name, lr, momentum = "AdamW", float32(math.Round(fit*1e6)/1e6), 0.9
		}
	}

	wd := cfg.WeightDecay
	if cfg.Batch > 0 && cfg.NominalBatch > 0 {
		wd *= float32(cfg.NominalBatch) / float32(cfg.Batch)
	}

	split := SplitGroups(net)
	groups := []*Group{split[0], split[1], split[2]}
	for i, g := range groups {
		g.LR = lr
		g.Momentum = momentum
		if i == 1 {
			g.WeightDecay = wd
		}
	}

	var opt Optimizer
	switch strings.ToLower(name) {
	case "sgd":
		opt = NewSGD(groups)
	case "adam":
		opt = NewAdam(groups)
	case "adamw":
		opt = NewAdamW(groups)
	default:
		return nil, 0, 0, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
	return opt, lr, momentum, nil
}
