package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/sherdmark/internal/annotate"
	"github.com/ivlev/sherdmark/internal/inference"
	"github.com/ivlev/sherdmark/internal/sherd"
	"github.com/ivlev/sherdmark/internal/source"
	"github.com/ivlev/sherdmark/internal/system"
)

// DefaultTotalWeight is distributed when the caller does not pass a positive weight.
const DefaultTotalWeight = 100.0

// ErrInvalidWeight is returned for a NaN or infinite total weight.
var ErrInvalidWeight = errors.New("total weight must be a finite number")

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Options configures a Processor.
type Options struct {
	OutputDir   string
	TotalWeight float64
	JPEGQuality int
	DPI         int
	Workers     int
	Style       *annotate.Style
}

// Result is the summary of one annotated photograph.
type Result struct {
	Sherds         []sherd.Record `json:"sherds"`
	AnnotatedImage string         `json:"annotated_image"`

	Source      string            `json:"-"`
	TotalWeight float64           `json:"-"`
	Detections  []sherd.Detection `json:"-"`
	JPEG        []byte            `json:"-"`
}

// Processor annotates sherd photographs. It holds no per-call state, so one
// Processor may serve concurrent calls.
type Processor struct {
	predictor inference.Predictor
	opts      Options
	style     annotate.Style
	logger    *zap.Logger
}

func NewProcessor(predictor inference.Predictor, opts Options, logger *zap.Logger) *Processor {
	if opts.TotalWeight <= 0 || !finite(opts.TotalWeight) {
		opts.TotalWeight = DefaultTotalWeight
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	style := annotate.DefaultStyle()
	if opts.Style != nil {
		style = *opts.Style
	}
	return &Processor{
		predictor: predictor,
		opts:      opts,
		style:     style,
		logger:    logger.Named("pipeline"),
	}
}

// Process runs detection and classification on one image, apportions
// totalWeight by box area and returns the records with the annotated JPEG.
// A non-positive totalWeight selects the configured default; NaN and
// infinities are rejected with ErrInvalidWeight.
func (p *Processor) Process(ctx context.Context, imagePath string, totalWeight float64) (*Result, error) {
	start := time.Now()
	if !finite(totalWeight) {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidWeight, totalWeight)
	}
	if totalWeight <= 0 {
		totalWeight = p.opts.TotalWeight
	}

	if p.opts.OutputDir != "" {
		if err := system.EnsureDir(p.opts.OutputDir); err != nil {
			return nil, err
		}
	}

	img, err := source.Load(imagePath, p.opts.DPI)
	if err != nil {
		return nil, err
	}

	pred, err := p.predictor.Predict(ctx, img.Data)
	if err != nil {
		return nil, fmt.Errorf("run workflow on %s: %w", imagePath, err)
	}

	records := sherd.Build(pred.Detections, pred.Types, pred.Qualifications, totalWeight)

	canvas := annotate.NewCanvas(img.Pixels)
	defer canvas.Release()

	for i, d := range pred.Detections {
		canvas.Mark(d.Rect(), records[i].SherdID, records[i].Caption(), p.style)
	}

	jpegData, encoded, err := canvas.EncodeBase64(p.opts.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("encode annotated %s: %w", imagePath, err)
	}

	p.logger.Info("image annotated",
		zap.String("path", imagePath),
		zap.Int("sherds", len(records)),
		zap.Float64("total_weight", totalWeight),
		zap.Float64("total_area", sherd.TotalArea(pred.Detections)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Result{
		Sherds:         records,
		AnnotatedImage: encoded,
		Source:         imagePath,
		TotalWeight:    totalWeight,
		Detections:     pred.Detections,
		JPEG:           jpegData,
	}, nil
}

// ProcessDir annotates every supported image in dir with at most Workers calls
// in flight. Results follow file name order. The first failure cancels the rest.
func (p *Processor) ProcessDir(ctx context.Context, dir string, totalWeight float64) ([]*Result, error) {
	if !finite(totalWeight) {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidWeight, totalWeight)
	}
	paths, err := system.ListImages(dir)
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}

	p.logger.Info("batch started", zap.String("dir", dir), zap.Int("images", len(paths)), zap.Int("workers", p.opts.Workers))

	results := make([]*Result, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for i, path := range paths {
		g.Go(func() error {
			res, err := p.Process(gctx, path, totalWeight)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
