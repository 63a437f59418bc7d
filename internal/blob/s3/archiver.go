package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/notify"
)

const (
	jsonlContentType = "application/x-ndjson"

	archiveLockKey = "archive"

	defaultMultipartThreshold int64 = 8 * 1024 * 1024
)

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ArchiverConfig configures an Archiver. Lock, Alerter, Logger and Metrics
// are optional.
type ArchiverConfig struct {
	Store domain.ExecutionStore
	Blob  domain.BlobWriter
	Lock  domain.LockManager

	// Retention is how long executions stay in Postgres.
	Retention time.Duration
	// Payloads larger than MultipartThreshold go through PutMultipart.
	MultipartThreshold int64
	PartSize           int64
	LockTTL            time.Duration

	Alerter Alerter
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Archiver moves old execution records from Postgres to object storage.
type Archiver struct {
	cfg    ArchiverConfig
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(cfg ArchiverConfig) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = defaultMultipartThreshold
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = minPartSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Archiver{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "archiver")),
	}
}

// Run archives once per interval until ctx is cancelled. A failed pass is
// logged and alerted; the next tick tries again.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
				a.alert(ctx, err)
			}
		}
	}
}

// ArchiveOnce uploads every execution older than the retention window and
// deletes the uploaded rows. Rows are only deleted after the upload
// succeeded. It returns the number of archived records.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int64, error) {
	if a.cfg.Lock != nil {
		release, err := a.cfg.Lock.Acquire(ctx, archiveLockKey, a.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.DebugContext(ctx, "archive lock held elsewhere, skipping")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive lock: %w", err)
		}
		defer release()
	}

	cutoff := a.cfg.Now().Add(-a.cfg.Retention).UTC()

	execs, err := a.cfg.Store.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(execs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(execs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path, err := a.freePath(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if int64(len(buf)) > a.cfg.MultipartThreshold {
		err = a.cfg.Blob.PutMultipart(ctx, path, bytes.NewReader(buf), a.cfg.PartSize)
	} else {
		err = a.cfg.Blob.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	deleted, err := a.cfg.Store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive delete: %w", err)
	}

	count := int64(len(execs))
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.Archived.Add(float64(count))
	}
	a.logger.InfoContext(ctx, "executions archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("deleted", deleted),
		slog.Time("before", cutoff),
	)
	return count, nil
}

// freePath picks the day's archive key, adding a numeric suffix when an
// earlier pass on the same day already wrote one.
func (a *Archiver) freePath(ctx context.Context, cutoff time.Time) (string, error) {
	for n := 0; n < 100; n++ {
		path := archivePath("executions", cutoff, n)
		exists, err := a.cfg.Blob.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive path: %w", err)
		}
		if !exists {
			return path, nil
		}
	}
	return "", fmt.Errorf("s3blob: archive path: too many archives for %s", cutoff.Format(time.DateOnly))
}

func (a *Archiver) alert(ctx context.Context, cause error) {
	if a.cfg.Alerter == nil {
		return
	}
	if err := a.cfg.Alerter.Notify(ctx, notify.EventArchiveFailed, "Archive failed", cause.Error()); err != nil {
		a.logger.WarnContext(ctx, "archive alert failed", slog.String("error", err.Error()))
	}
}

// archivePath builds the object key for a pass, partitioned by cutoff day.
//
//	archive/executions/2025-01-31.jsonl
//	archive/executions/2025-01-31.1.jsonl
func archivePath(kind string, cutoff time.Time, n int) string {
	day := cutoff.Format(time.DateOnly)
	if n == 0 {
		return fmt.Sprintf("archive/%s/%s.jsonl", kind, day)
	}
	return fmt.Sprintf("archive/%s/%s.%d.jsonl", kind, day, n)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
