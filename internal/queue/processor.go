package queue

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"cutout/internal/domain"
)

// ResultStore is the slice of the storage contract a processor needs.
type ResultStore interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// SimulatedProcessor stands in for the real background-removal worker: it
// copies the source file as the result after a fixed delay, reporting the
// same progress milestones a real worker would. Useful for development and
// as the reference implementation of the worker contract.
type SimulatedProcessor struct {
	files ResultStore
	delay time.Duration
}

// NewSimulatedProcessor constructs the placeholder processor.
func NewSimulatedProcessor(files ResultStore, delay time.Duration) *SimulatedProcessor {
	if delay < 0 {
		delay = 0
	}
	return &SimulatedProcessor{files: files, delay: delay}
}

// Process copies the source to a result key, pausing to simulate work.
func (p *SimulatedProcessor) Process(ctx context.Context, task Task) (*Result, error) {
	task.Report(10)

	src, err := p.files.Read(ctx, task.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	task.Report(50)

	if err := p.pause(ctx); err != nil {
		return nil, err
	}
	task.Report(80)

	resultKey := fmt.Sprintf("results/%ss/%s%s", task.Kind, task.ProjectID, filepath.Ext(task.SourcePath))
	key, err := p.files.Write(ctx, resultKey, data)
	if err != nil {
		return nil, fmt.Errorf("write result: %w", err)
	}
	task.Report(100)

	meta := domain.ResultMetadata{
		Resolution: fmt.Sprintf("%dp", task.MaxResolution),
	}
	if task.Kind == domain.MediaKindVideo {
		meta.Duration = p.delay.Seconds()
	}
	return &Result{ResultPath: key, Metadata: meta}, nil
}

func (p *SimulatedProcessor) pause(ctx context.Context) error {
	if p.delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.delay):
		return nil
	}
}
