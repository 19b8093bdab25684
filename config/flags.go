package config

import (
	"flag"
	"fmt"
)

// RegisterFlags defines the training override flags on fs. Defaults shown in
// -help are informational; only flags given on the command line override the
// loaded config (see OverridesFromFlags).
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()
	fs.String("manifest", d.ManifestPath, "Manifest CSV with path and label columns")
	fs.String("path-column", d.PathColumn, "Manifest column holding image paths")
	fs.String("label-column", d.LabelColumn, "Manifest column holding integer labels")
	fs.Bool("resolve-relative", d.ResolveRelative, "Resolve image paths against the manifest directory")
	fs.Int("image-size", d.ImageSize, "Side length of the square model input")
	fs.Int("num-classes", d.NumClasses, "Number of classes")
	fs.Int("batch-size", d.BatchSize, "Mini-batch size")
	fs.Int("epochs", d.Epochs, "Number of epochs")
	fs.Float64("lr", d.LearningRate, "Learning rate")
	fs.Float64("validation-split", d.ValidationSplit, "Fraction of samples held out for validation")
	fs.Bool("shuffle", d.Shuffle, "Shuffle training samples every epoch")
	fs.Int64("seed", d.Seed, "PRNG seed")
	fs.String("optimizer", d.Optimizer, "adam or sgd")
	fs.String("scheduler", d.Scheduler, "constant, step, exponential, cosine or plateau")
	fs.Int("workers", 0, "Decode and compute workers (0 uses the CPU count)")
	fs.String("model-dir", d.ModelDir, "Directory the trained model is written to")
	fs.String("log-dir", d.LogDir, "Directory for event logs and plots")
	fs.String("checkpoint-dir", d.CheckpointDir, "Directory for training checkpoints")
	fs.Int("checkpoint-every", d.CheckpointFreq, "Save a checkpoint every N epochs")
	fs.String("checkpoint-format", d.CheckpointFormat, "Checkpoint format: json or binary")
	fs.String("resume", d.ResumeFrom, "Training checkpoint to resume from")
	fs.Bool("progress", d.Progress, "Show progress bars")
}

// OverridesFromFlags collects the flags registered by RegisterFlags that were
// actually set on fs.
func OverridesFromFlags(fs *flag.FlagSet) (Overrides, error) {
	var o Overrides
	var err error
	fs.Visit(func(f *flag.Flag) {
		getter, ok := f.Value.(flag.Getter)
		if !ok || err != nil {
			return
		}
		v := getter.Get()
		switch f.Name {
		case "manifest":
			err = assign(&o.ManifestPath, f.Name, v)
		case "path-column":
			err = assign(&o.PathColumn, f.Name, v)
		case "label-column":
			err = assign(&o.LabelColumn, f.Name, v)
		case "resolve-relative":
			err = assign(&o.ResolveRelative, f.Name, v)
		case "image-size":
			err = assign(&o.ImageSize, f.Name, v)
		case "num-classes":
			err = assign(&o.NumClasses, f.Name, v)
		case "batch-size":
			err = assign(&o.BatchSize, f.Name, v)
		case "epochs":
			err = assign(&o.Epochs, f.Name, v)
		case "lr":
			err = assign(&o.LearningRate, f.Name, v)
		case "validation-split":
			err = assign(&o.ValidationSplit, f.Name, v)
		case "shuffle":
			err = assign(&o.Shuffle, f.Name, v)
		case "seed":
			err = assign(&o.Seed, f.Name, v)
		case "optimizer":
			err = assign(&o.Optimizer, f.Name, v)
		case "scheduler":
			err = assign(&o.Scheduler, f.Name, v)
		case "workers":
			err = assign(&o.Workers, f.Name, v)
		case "model-dir":
			err = assign(&o.ModelDir, f.Name, v)
		case "log-dir":
			err = assign(&o.LogDir, f.Name, v)
		case "checkpoint-dir":
			err = assign(&o.CheckpointDir, f.Name, v)
		case "checkpoint-every":
			err = assign(&o.CheckpointFreq, f.Name, v)
		case "checkpoint-format":
			err = assign(&o.CheckpointFormat, f.Name, v)
		case "resume":
			err = assign(&o.ResumeFrom, f.Name, v)
		case "progress":
			err = assign(&o.Progress, f.Name, v)
		}
	})
	return o, err
}

func assign[T any](dst **T, name string, v any) error {
	typed, ok := v.(T)
	if !ok {
		return fmt.Errorf("flag -%s: unexpected value type %T", name, v)
	}
	*dst = &typed
	return nil
}
