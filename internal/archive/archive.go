// Package archive copies each day's audit log to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/toursync/toursync/internal/audit"
)

// DefaultPrefix is the object key prefix used when none is configured.
const DefaultPrefix = "audit"

// Interval is how often the API schedules the archive job.
const Interval = 24 * time.Hour

// Configuration errors.
var (
	ErrMissingBucket      = errors.New("bucket name is required")
	ErrMissingCredentials = errors.New("access key ID and secret access key are required")
)

// Config holds the object storage settings.
type Config struct {
	Bucket          string
	Endpoint        string // empty uses the AWS endpoint for Region
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Putter is the subset of the S3 client the archiver needs.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds a static-credential S3 client. Path-style addressing
// keeps it working against R2 and MinIO.
func NewS3Client(cfg Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, ErrMissingCredentials
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts), nil
}

// Archiver writes one CSV object per UTC day.
type Archiver struct {
	repo   audit.Repository
	store  Putter
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver writing into bucket.
func NewArchiver(repo audit.Repository, store Putter, cfg Config, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := sanitizePrefix(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archiver{
		repo:   repo,
		store:  store,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// ObjectKey returns the key for day's archive: prefix/YYYY/MM/DD.csv.
func (a *Archiver) ObjectKey(day time.Time) string {
	return a.prefix + "/" + day.UTC().Format("2006/01/02") + ".csv"
}

// ArchiveDay uploads the entries created on day (UTC). Days without entries
// are skipped and report an empty key.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (key string, count int, err error) {
	from := truncateDay(day)
	to := from.Add(24*time.Hour - time.Nanosecond)

	logs, err := a.repo.QueryRange(ctx, from, to, audit.MaxExportEntries)
	if err != nil {
		return "", 0, fmt.Errorf("query audit logs: %w", err)
	}
	if len(logs) == 0 {
		return "", 0, nil
	}
	if len(logs) == audit.MaxExportEntries {
		a.logger.WarnContext(ctx, "audit archive truncated",
			"day", from.Format(time.DateOnly),
			"limit", audit.MaxExportEntries)
	}

	body, err := audit.ExportLogs(ctx, a.repo, audit.ExportOptions{
		Format: audit.ExportFormatCSV,
		From:   from,
		To:     to,
	})
	if err != nil {
		return "", 0, err
	}

	key = a.ObjectKey(from)
	_, err = a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(audit.ExportFormatCSV.ContentType()),
	})
	if err != nil {
		return "", 0, fmt.Errorf("upload %s: %w", key, err)
	}

	a.logger.InfoContext(ctx, "archived audit logs",
		"key", key,
		"entries", len(logs),
		"bytes", len(body))
	return key, len(logs), nil
}

// ArchivePreviousDay archives yesterday (UTC). It is the scheduled entry point.
func (a *Archiver) ArchivePreviousDay(ctx context.Context) error {
	_, _, err := a.ArchiveDay(ctx, truncateDay(a.now()).Add(-24*time.Hour))
	return err
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// sanitizePrefix keeps alphanumerics, hyphens, underscores and inner slashes.
func sanitizePrefix(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '/' {
			b.WriteRune(r)
		}
	}
	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '/' })
	return strings.Join(parts, "/")
}
