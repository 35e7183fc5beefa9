package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultAnonymizationInterval is how often the API schedules the job.
const DefaultAnonymizationInterval = 24 * time.Hour

// AnonymizationJobConfig configures the IP anonymization job.
type AnonymizationJobConfig struct {
	Repository Repository
	Logger     *slog.Logger
}

// AnonymizationJob periodically truncates IP addresses older than IPRetention.
type AnonymizationJob struct {
	config AnonymizationJobConfig
	now    func() time.Time
}

// NewAnonymizationJob creates a new IP anonymization job.
func NewAnonymizationJob(config AnonymizationJobConfig) *AnonymizationJob {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &AnonymizationJob{config: config, now: time.Now}
}

// Run anonymizes every eligible entry once.
func (j *AnonymizationJob) Run(ctx context.Context) (int64, error) {
	if j.config.Repository == nil {
		return 0, ErrNilRepository
	}
	cutoff := IPAnonymizationCutoff(j.now())
	n, err := j.config.Repository.AnonymizeIPs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("anonymize audit IPs: %w", err)
	}
	if n > 0 {
		j.config.Logger.InfoContext(ctx, "anonymized audit log IP addresses",
			"count", n,
			"cutoff", cutoff)
	}
	return n, nil
}
