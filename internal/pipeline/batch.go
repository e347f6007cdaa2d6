package pipeline

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of one subject in a batch.
type BatchResult struct {
	SubjectID string   `json:"subject_id"`
	Outcome   *Outcome `json:"outcome,omitempty"`
	Err       error    `json:"-"`
	Error     string   `json:"error,omitempty"`
}

// RunBatch runs subjects concurrently with the same params. Results keep the
// input order. One subject failing never cancels the others. Every subject
// gets its own audit row; params.RunID is ignored.
func (p *Pipeline) RunBatch(ctx context.Context, subjects []string, params Params, concurrency int) []BatchResult {
	if concurrency < 1 {
		concurrency = 1
	}
	if params.RunID != "" {
		zap.L().Warn("pipeline: run id ignored in batch mode", zap.String("run_id", params.RunID))
		params.RunID = ""
	}
	results := make([]BatchResult, len(subjects))
	if len(subjects) == 0 {
		return results
	}

	zap.L().Info("pipeline: processing batch",
		zap.Int("subjects", len(subjects)),
		zap.Int("concurrency", concurrency),
		zap.String("run_date", params.RunDate),
	)

	var g errgroup.Group
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64
	for i, subject := range subjects {
		g.Go(func() error {
			out, err := p.Run(ctx, subject, params)
			results[i] = BatchResult{SubjectID: subject, Outcome: out, Err: err}
			if err != nil {
				results[i].Error = err.Error()
				failed.Add(1)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("pipeline: batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return results
}
