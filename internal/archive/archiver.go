// Package archive copies committed documents to S3-compatible object storage
// on an interval. Each copy is a full snapshot; nothing here can replay edits.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"planboard/api/internal/config"
	"planboard/api/internal/metrics"
	"planboard/api/internal/store"
)

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Archiver struct {
	objects  objectPutter
	bucket   string
	interval time.Duration
	docs     store.Documents
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	dirty map[string]struct{}
}

// New connects to the configured endpoint and creates the bucket if needed.
func New(ctx context.Context, cfg config.Config, docs store.Documents, m *metrics.Metrics, logger zerolog.Logger) (*Archiver, error) {
	if cfg.ArchiveEndpoint == "" {
		return nil, errors.New("archive endpoint is not configured")
	}
	client, err := minio.New(cfg.ArchiveEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, ""),
		Secure: cfg.ArchiveUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.ArchiveBucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.ArchiveBucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.ArchiveBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.ArchiveBucket, err)
		}
	}
	return newArchiver(client, cfg.ArchiveBucket, cfg.ArchiveInterval, docs, m, logger), nil
}

func newArchiver(objects objectPutter, bucket string, interval time.Duration, docs store.Documents, m *metrics.Metrics, logger zerolog.Logger) *Archiver {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Archiver{
		objects:  objects,
		bucket:   bucket,
		interval: interval,
		docs:     docs,
		metrics:  m,
		logger:   logger.With().Str("component", "archive").Logger(),
		now:      time.Now,
		dirty:    make(map[string]struct{}),
	}
}

// MarkDirty schedules documentID for the next sweep.
func (a *Archiver) MarkDirty(documentID string) {
	a.mu.Lock()
	a.dirty[documentID] = struct{}{}
	a.mu.Unlock()
}

// Run sweeps every interval until ctx is done, then sweeps once more.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			a.Sweep(final)
			cancel()
			return nil
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep uploads the current snapshot of every dirty document and returns
// how many were stored. Documents that fail stay dirty for the next sweep.
func (a *Archiver) Sweep(ctx context.Context) int {
	a.mu.Lock()
	ids := make([]string, 0, len(a.dirty))
	for id := range a.dirty {
		ids = append(ids, id)
	}
	a.dirty = make(map[string]struct{})
	a.mu.Unlock()
	sort.Strings(ids)

	uploaded := 0
	for _, id := range ids {
		if err := a.upload(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				a.metrics.ArchiveUpload("skipped")
				continue
			}
			a.metrics.ArchiveUpload("error")
			a.logger.Warn().Err(err).Str("document_id", id).Msg("archive upload failed")
			a.MarkDirty(id)
			continue
		}
		a.metrics.ArchiveUpload("ok")
		uploaded++
	}
	if len(ids) > 0 {
		a.logger.Info().Int("dirty", len(ids)).Int("uploaded", uploaded).Msg("archive sweep")
	}
	return uploaded
}

func (a *Archiver) upload(ctx context.Context, documentID string) error {
	blob, err := a.docs.LoadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	_, err = a.objects.PutObject(ctx, a.bucket, ObjectKey(documentID, a.now()), bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func ObjectKey(documentID string, at time.Time) string {
	return fmt.Sprintf("documents/%s/%d.json", documentID, at.UnixNano())
}
