package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/yaml.v3"
)

// maxDefaultWorkers caps the worker count picked from the CPU
const maxDefaultWorkers = 8

// Config captures the knobs for a training or inference run.
type Config struct {
	ManifestPath    string `yaml:"manifest_path"`
	PathColumn      string `yaml:"path_column"`
	LabelColumn     string `yaml:"label_column"`
	ResolveRelative bool   `yaml:"resolve_relative"`

	ImageSize  int `yaml:"image_size"`
	NumClasses int `yaml:"num_classes"`

	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
	LearningRate    float64 `yaml:"learning_rate"`
	ValidationSplit float64 `yaml:"validation_split"`
	Shuffle         bool    `yaml:"shuffle"`
	Seed            int64   `yaml:"seed"`
	Optimizer       string  `yaml:"optimizer"`
	Scheduler       string  `yaml:"scheduler"`
	Workers         int     `yaml:"workers"`

	ModelDir         string `yaml:"model_dir"`
	LogDir           string `yaml:"log_dir"`
	CheckpointDir    string `yaml:"checkpoint_dir"`
	CheckpointFreq   int    `yaml:"checkpoint_every"`
	CheckpointFormat string `yaml:"checkpoint_format"` // json or binary
	ResumeFrom       string `yaml:"resume_from"`       // training checkpoint restored before fitting
	Progress         bool   `yaml:"progress"`

	ListenAddr string `yaml:"listen_addr"`
}

// Overrides captures CLI supplied values. Nil fields leave the config
// untouched, so a flag explicitly set to its zero value still applies.
type Overrides struct {
	ManifestPath     *string
	PathColumn       *string
	LabelColumn      *string
	ResolveRelative  *bool
	ImageSize        *int
	NumClasses       *int
	BatchSize        *int
	Epochs           *int
	LearningRate     *float64
	ValidationSplit  *float64
	Shuffle          *bool
	Seed             *int64
	Optimizer        *string
	Scheduler        *string
	Workers          *int
	ModelDir         *string
	LogDir           *string
	CheckpointDir    *string
	CheckpointFreq   *int
	CheckpointFormat *string
	ResumeFrom       *string
	Progress         *bool
	ListenAddr       *string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ManifestPath:     "./tgs/0.csv",
		PathColumn:       "ruta",
		LabelColumn:      "etiqueta",
		ImageSize:        28,
		NumClasses:       10,
		BatchSize:        32,
		Epochs:           10,
		LearningRate:     0.001,
		ValidationSplit:  0.2,
		Shuffle:          true,
		Optimizer:        "adam",
		Scheduler:        "constant",
		Workers:          DefaultWorkers(),
		ModelDir:         "./models",
		LogDir:           "/tmp/tflogs",
		CheckpointFormat: "json",
		ListenAddr:       ":8080",
	}
}

// DefaultWorkers returns the logical core count, capped at 8.
func DefaultWorkers() int {
	n := cpuid.CPU.LogicalCores
	if n <= 0 {
		n = 1
	}
	return min(n, maxDefaultWorkers)
}

// DescribeCPU summarizes the host CPU for startup logs.
func DescribeCPU() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = "unknown cpu"
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores, avx2=%t)",
		brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg with every non-nil override.
func (c *Config) ApplyOverrides(o Overrides) {
	set(&c.ManifestPath, o.ManifestPath)
	set(&c.PathColumn, o.PathColumn)
	set(&c.LabelColumn, o.LabelColumn)
	set(&c.ResolveRelative, o.ResolveRelative)
	set(&c.ImageSize, o.ImageSize)
	set(&c.NumClasses, o.NumClasses)
	set(&c.BatchSize, o.BatchSize)
	set(&c.Epochs, o.Epochs)
	set(&c.LearningRate, o.LearningRate)
	set(&c.ValidationSplit, o.ValidationSplit)
	set(&c.Shuffle, o.Shuffle)
	set(&c.Seed, o.Seed)
	set(&c.Optimizer, o.Optimizer)
	set(&c.Scheduler, o.Scheduler)
	set(&c.Workers, o.Workers)
	set(&c.ModelDir, o.ModelDir)
	set(&c.LogDir, o.LogDir)
	set(&c.CheckpointDir, o.CheckpointDir)
	set(&c.CheckpointFreq, o.CheckpointFreq)
	set(&c.CheckpointFormat, o.CheckpointFormat)
	set(&c.ResumeFrom, o.ResumeFrom)
	set(&c.Progress, o.Progress)
	set(&c.ListenAddr, o.ListenAddr)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ManifestPath == "" {
		return errors.New("manifest_path must be set")
	}
	if c.PathColumn == "" || c.LabelColumn == "" {
		return errors.New("path_column and label_column must be set")
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be > 0 (got %d)", c.ImageSize)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be > 0 (got %d)", c.NumClasses)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("validation_split must be in [0, 1) (got %g)", c.ValidationSplit)
	}
	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd":
	default:
		return fmt.Errorf("optimizer must be adam or sgd (got %q)", c.Optimizer)
	}
	if c.ModelDir == "" {
		return errors.New("model_dir must be set")
	}
	if c.CheckpointFreq < 0 {
		return fmt.Errorf("checkpoint_every must be >= 0 (got %d)", c.CheckpointFreq)
	}
	switch strings.ToLower(c.CheckpointFormat) {
	case "", "json", "binary":
	default:
		return fmt.Errorf("checkpoint_format must be json or binary (got %q)", c.CheckpointFormat)
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers()
	}
	return nil
}
