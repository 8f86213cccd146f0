// Package train drives the full training loop: warmup and scheduling,
// gradient accumulation, EMA-backed validation, checkpointing and early
// stopping.
package train

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full run configuration. It is written verbatim to
// args.yaml in the run directory.
type Config struct {
	ModelVersion   string  `yaml:"model_version"`
	Variant        string  `yaml:"variant"`
	NumClasses     int     `yaml:"num_classes"`
	Epochs         int     `yaml:"epochs"`
	BatchSize      int     `yaml:"batch_size"`
	ImgSize        int     `yaml:"img_size"`
	Optimizer      string  `yaml:"optimizer"`
	LR0            float32 `yaml:"lr0"`
	LRF            float32 `yaml:"lrf"`
	Momentum       float32 `yaml:"momentum"`
	WeightDecay    float32 `yaml:"weight_decay"`
	WarmupEpochs   float32 `yaml:"warmup_epochs"`
	WarmupBiasLR   float32 `yaml:"warmup_bias_lr"`
	WarmupMomentum float32 `yaml:"warmup_momentum"`
	CosLR          bool    `yaml:"cos_lr"`
	CloseMosaic    int     `yaml:"close_mosaic"`
	Patience       int     `yaml:"patience"`
	NominalBatch   int     `yaml:"nominal_batch"`
	MaxGradNorm    float32 `yaml:"max_grad_norm"`
	BoxGain        float32 `yaml:"box_gain"`
	ClsGain        float32 `yaml:"cls_gain"`
	DFLGain        float32 `yaml:"dfl_gain"`
	SaveDir        string  `yaml:"save_dir"`
	Seed           int64   `yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		ModelVersion:   "tiny",
		Variant:        "n",
		NumClasses:     80,
		Epochs:         100,
		BatchSize:      16,
		ImgSize:        640,
		Optimizer:      "auto",
		LR0:            0.01,
		LRF:            0.01,
		Momentum:       0.937,
		WeightDecay:    0.0005,
		WarmupEpochs:   3,
		WarmupBiasLR:   0.1,
		WarmupMomentum: 0.8,
		CloseMosaic:    10,
		Patience:       100,
		NominalBatch:   64,
		MaxGradNorm:    10,
		BoxGain:        7.5,
		ClsGain:        0.5,
		DFLGain:        1.5,
		SaveDir:        "runs/train",
		Seed:           0,
	}
}

func (c Config) validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ImgSize <= 0 || c.ImgSize%32 != 0 {
		return fmt.Errorf("img_size must be a positive multiple of 32, got %d", c.ImgSize)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	return nil
}

// writeArgs snapshots the config into <save_dir>/args.yaml.
func (c Config) writeArgs() error {
	if err := os.MkdirAll(c.SaveDir, 0o755); err != nil {
		return err
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.SaveDir, "args.yaml"), out, 0o644)
}

// LoadConfig reads an args.yaml snapshot back into a Config.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}
