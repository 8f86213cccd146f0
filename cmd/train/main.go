// Command train runs detection training over a folder dataset.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"

	"github.com/fumitoshi0524/ixeoriDet/checkpoints"
	"github.com/fumitoshi0524/ixeoriDet/data"
	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/train"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	epochStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	bestStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func main() {
	cfg := train.DefaultConfig()

	trainImages := flag.String("train-images", "", "directory of training images")
	trainLabels := flag.String("train-labels", "", "directory of training label files")
	valImages := flag.String("val-images", "", "directory of validation images")
	valLabels := flag.String("val-labels", "", "directory of validation label files")
	weights := flag.String("weights", "", "optional checkpoint to load before training")
	strict := flag.Bool("strict", false, "fail on unmatched checkpoint keys")

	flag.StringVar(&cfg.ModelVersion, "model", cfg.ModelVersion, "registered model version")
	flag.StringVar(&cfg.Variant, "variant", cfg.Variant, "model variant")
	flag.IntVar(&cfg.NumClasses, "classes", cfg.NumClasses, "number of classes")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "training epochs")
	flag.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "batch size")
	flag.IntVar(&cfg.ImgSize, "img-size", cfg.ImgSize, "square input resolution")
	flag.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "auto, SGD, Adam or AdamW")
	lr0 := flag.Float64("lr0", float64(cfg.LR0), "initial learning rate")
	lrf := flag.Float64("lrf", float64(cfg.LRF), "final LR ratio")
	flag.BoolVar(&cfg.CosLR, "cos-lr", cfg.CosLR, "cosine LR schedule")
	flag.IntVar(&cfg.CloseMosaic, "close-mosaic", cfg.CloseMosaic, "epochs before the end to disable mosaic")
	flag.IntVar(&cfg.Patience, "patience", cfg.Patience, "early-stop patience in epochs")
	flag.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "run output directory")
	seed := flag.Int64("seed", cfg.Seed, "RNG seed")
	flag.Parse()

	cfg.LR0 = float32(*lr0)
	cfg.LRF = float32(*lrf)
	cfg.Seed = *seed

	if *trainImages == "" || *trainLabels == "" {
		log.Fatal("both -train-images and -train-labels are required")
	}

	net, err := nn.New(cfg.ModelVersion, cfg.NumClasses, cfg.Variant)
	if err != nil {
		log.Fatal(err)
	}
	if *weights != "" {
		rep, err := checkpoints.Load(*weights, net, *strict)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("loaded %d tensors from %s (%d skipped, %d missing, %d unmatched)",
			len(rep.Loaded), *weights, len(rep.Skipped), len(rep.Missing), len(rep.Unmatched))))
	}

	trainDS, err := data.NewFolderDataset(*trainImages, *trainLabels, cfg.ImgSize)
	if err != nil {
		log.Fatal(err)
	}
	stats := trainDS.LabelStats()
	fmt.Println(headerStyle.Render(fmt.Sprintf("training on %d images, %d boxes, %d classes present",
		trainDS.Count(), stats.TotalBoxes, len(stats.ClassCounts))))

	var valDS data.Dataset
	if *valImages != "" && *valLabels != "" {
		ds, err := data.NewFolderDataset(*valImages, *valLabels, cfg.ImgSize)
		if err != nil {
			log.Fatal(err)
		}
		valDS = ds
	} else {
		fmt.Println(warnStyle.Render("no validation set: best model tracks training loss"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := train.New(cfg, net, trainDS, valDS)
	tr.Observer = func(m train.EpochMetrics) {
		line := fmt.Sprintf("epoch %3d  box %.4f  cls %.4f  dfl %.4f  mAP50 %.4f  mAP50-95 %.4f  fit %.4f  lr %.6f",
			m.Epoch+1, m.BoxLoss, m.ClsLoss, m.DFLLoss, m.MAP50, m.MAP5095, m.Fitness, m.LR)
		style := epochStyle
		if m.Best {
			style = bestStyle
			line += "  *"
		}
		fmt.Println(style.Render(line))
		for _, w := range m.Warnings {
			fmt.Println(warnStyle.Render("warning: " + w))
		}
	}

	res, err := tr.Train(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%s after %d epochs, best fitness %.4f at epoch %d, results in %s",
		res.Stopped, res.EpochsRun, res.BestFitness, res.BestEpoch+1, res.SaveDir)))
}
