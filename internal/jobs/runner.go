package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Func is one execution of a background job.
type Func func(ctx context.Context) error

// Job is a named function run on a fixed interval.
type Job struct {
	Type     string
	Interval time.Duration
	Run      Func

	// Timeout bounds a single execution. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// RunOnce executes job once and records its outcome. m and logger may be nil.
func RunOnce(ctx context.Context, job Job, m *Metrics, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	if m != nil {
		m.ObserveJobDuration(job.Type, elapsed.Seconds())
		if err != nil {
			m.IncJobsTotal(job.Type, StatusFailure)
			m.IncJobErrors(job.Type, errorType(err))
		} else {
			m.IncJobsTotal(job.Type, StatusSuccess)
		}
	}
	if err != nil {
		logger.ErrorContext(ctx, "background job failed",
			"job_type", job.Type,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		return err
	}
	logger.DebugContext(ctx, "background job completed",
		"job_type", job.Type,
		"duration_ms", elapsed.Milliseconds())
	return nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// Every runs job immediately and then every job.Interval until ctx is
// cancelled. Failures are recorded and logged; the schedule continues. It
// blocks; run it in a goroutine.
func Every(ctx context.Context, job Job, m *Metrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		_ = RunOnce(ctx, job, m, logger)
		select {
		case <-ctx.Done():
			logger.Debug("background job stopped", "job_type", job.Type)
			return
		case <-ticker.C:
		}
	}
}
