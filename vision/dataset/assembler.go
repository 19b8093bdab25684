package dataset

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/memory"
	"github.com/pixelclass/pixelclass/tensor"
	"github.com/pixelclass/pixelclass/vision/preprocessing"
)

// Batch is a stacked training set: images [N,S,S,4] Float32 in [0,1] and
// labels [N] Int32, row i of both taken from manifest row i
type Batch struct {
	Images *memory.Tensor
	Labels *memory.Tensor
}

// Len returns the number of samples in the batch
func (b *Batch) Len() int {
	if b == nil || b.Labels == nil {
		return 0
	}
	return b.Labels.Len()
}

// Release frees both tensors
func (b *Batch) Release() {
	if b == nil {
		return
	}
	b.Images.Release()
	b.Labels.Release()
}

// AssemblerConfig holds configuration for the dataset assembler
type AssemblerConfig struct {
	ImageSize int // Side length S of the square model input
	Workers   int // Parallel decoders; 0 or 1 decodes sequentially
	Processor *preprocessing.ImageProcessor
	Cache     *SampleCache // Optional decoded-sample cache shared across assemblies
}

// Assembler turns manifest rows into one stacked batch and owns every tensor it
// allocates until Teardown
type Assembler struct {
	config    AssemblerConfig
	processor *preprocessing.ImageProcessor

	mu       sync.Mutex
	samples  []*memory.Tensor
	batches  []*Batch
	tornDown bool
}

// NewAssembler creates a dataset assembler
func NewAssembler(config AssemblerConfig) (*Assembler, error) {
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	processor := config.Processor
	if processor == nil {
		processor = preprocessing.NewImageProcessor(config.ImageSize)
	}
	if processor.TargetSize() != config.ImageSize {
		return nil, fmt.Errorf("processor target size %d does not match image size %d",
			processor.TargetSize(), config.ImageSize)
	}
	return &Assembler{config: config, processor: processor}, nil
}

// Assemble decodes every row, resizes each sample to S x S, stacks the samples
// in manifest order, normalizes the stack into [0,1] and builds the label
// vector. Any failing row fails the whole assembly. Per-sample tensors are
// released once stacked; the returned batch stays owned by the assembler.
func (a *Assembler) Assemble(ctx context.Context, rows []Row) (*Batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tornDown {
		return nil, fmt.Errorf("assemble: assembler has been torn down")
	}
	if len(rows) == 0 {
		return nil, errdefs.Newf(errdefs.Shape, "assemble", "manifest has no rows")
	}

	natives, err := a.decodeAll(ctx, rows)
	if err != nil {
		return nil, err
	}
	a.samples = append(a.samples, natives...)

	resized := make([]*memory.Tensor, len(natives))
	for i, sample := range natives {
		if err := ctx.Err(); err != nil {
			a.releaseSamples()
			return nil, err
		}
		r, err := a.processor.Resize(sample)
		if err != nil {
			a.releaseSamples()
			return nil, fmt.Errorf("assemble: resize row %d (%s): %w", i+1, rows[i].ImagePath, err)
		}
		resized[i] = r
		a.samples = append(a.samples, r)
	}

	images, err := stack(resized)
	// Intermediates are no longer needed whether or not stacking succeeded
	a.releaseSamples()
	if err != nil {
		return nil, err
	}

	labelData := make([]int32, len(rows))
	for i, row := range rows {
		labelData[i] = int32(row.Label)
	}
	labels, err := memory.FromInt32(labelData, []int{len(rows)})
	if err != nil {
		images.Release()
		return nil, fmt.Errorf("assemble: failed to allocate labels: %v", err)
	}

	batch := &Batch{Images: images, Labels: labels}
	a.batches = append(a.batches, batch)
	return batch, nil
}

// decodeAll decodes rows into native-size sample tensors. With more than one
// worker rows decode concurrently but each result lands at its row index.
func (a *Assembler) decodeAll(ctx context.Context, rows []Row) ([]*memory.Tensor, error) {
	natives := make([]*memory.Tensor, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.Workers)
	for i, row := range rows {
		i, row := i, row // per-iteration copy; go.mod targets go 1.21 loop semantics
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if a.config.Cache != nil {
				if data, shape, ok := a.config.Cache.Get(row.ImagePath); ok {
					sample, err := memory.FromFloat32(data, shape)
					if err != nil {
						return fmt.Errorf("assemble: row %d: %w", i+1, err)
					}
					natives[i] = sample
					return nil
				}
			}
			buf, err := preprocessing.DecodeFile(row.ImagePath)
			if err != nil {
				return fmt.Errorf("assemble: row %d: %w", i+1, err)
			}
			sample, err := a.processor.ToSampleTensor(buf)
			buf.Release()
			if err != nil {
				return fmt.Errorf("assemble: row %d (%s): %w", i+1, row.ImagePath, err)
			}
			if a.config.Cache != nil {
				if data, err := sample.Float32Data(); err == nil {
					a.config.Cache.Put(row.ImagePath, data, sample.Shape())
				}
			}
			natives[i] = sample
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, t := range natives {
			t.Release()
		}
		return nil, err
	}
	return natives, nil
}

func stack(samples []*memory.Tensor) (*memory.Tensor, error) {
	images, err := tensor.Stack(samples)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	if err := preprocessing.NormalizeInPlace(images); err != nil {
		images.Release()
		return nil, fmt.Errorf("assemble: %w", err)
	}
	return images, nil
}

// releaseSamples releases every per-sample tensor; handles stay recorded so
// their state can be inspected
func (a *Assembler) releaseSamples() {
	for _, t := range a.samples {
		t.Release()
	}
}

// Samples returns the per-sample tensors allocated so far, native and resized
func (a *Assembler) Samples() []*memory.Tensor {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*memory.Tensor, len(a.samples))
	copy(out, a.samples)
	return out
}

// Teardown releases every per-sample tensor and every batch produced by this
// assembler. It is safe to call more than once.
func (a *Assembler) Teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.releaseSamples()
	for _, b := range a.batches {
		b.Release()
	}
	a.tornDown = true
}
