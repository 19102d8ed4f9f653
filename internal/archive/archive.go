// Package archive uploads grading transcripts to MinIO/S3 object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jonesrussell/north-cloud/grader/internal/config"
	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
)

// ObjectStore is the subset of the MinIO client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts miniogo.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
}

// Transcript is the archived record of one grading attempt.
type Transcript struct {
	JobID        string                `json:"jobId"`
	SessionID    string                `json:"sessionId,omitempty"`
	SubmissionID string                `json:"submissionId"`
	RubricID     string                `json:"rubricId"`
	Attempt      int                   `json:"attempt"`
	Status       string                `json:"status"`
	Steps        []domain.AgentStep    `json:"steps"`
	Usage        domain.Usage          `json:"usage"`
	Result       *domain.GradingResult `json:"result,omitempty"`
	Error        string                `json:"error,omitempty"`
	ArchivedAt   time.Time             `json:"archivedAt"`
}

// Key is the object key a transcript is stored under.
func (t *Transcript) Key() string {
	return fmt.Sprintf("transcripts/%s/%s/%s-%d.json", t.SubmissionID, t.RubricID, t.JobID, t.Attempt)
}

// Archiver writes transcripts. A disabled Archiver is a no-op.
type Archiver struct {
	store ObjectStore
	cfg   config.ArchiveConfig
	log   logger.Logger
	now   func() time.Time
}

// New creates an Archiver. When archiving is disabled no client is created.
func New(cfg config.ArchiveConfig, log logger.Logger) (*Archiver, error) {
	a := &Archiver{cfg: cfg, log: log.With(logger.Component("archive")), now: time.Now}
	if !cfg.Enabled {
		return a, nil
	}

	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		if cfg.FailSilently {
			a.log.Warn("Failed to create MinIO client, continuing without archiving", logger.Error(err))
			return a, nil
		}
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	a.store = client
	return a, nil
}

// NewWithStore creates an enabled Archiver over an existing store.
func NewWithStore(store ObjectStore, cfg config.ArchiveConfig, log logger.Logger) *Archiver {
	cfg.Enabled = true
	return &Archiver{store: store, cfg: cfg, log: log.With(logger.Component("archive")), now: time.Now}
}

// Enabled reports whether transcripts are uploaded.
func (a *Archiver) Enabled() bool {
	return a != nil && a.cfg.Enabled && a.store != nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}
	exists, err := a.store.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return a.fail(fmt.Errorf("check bucket %s: %w", a.cfg.Bucket, err))
	}
	if exists {
		return nil
	}
	if err = a.store.MakeBucket(ctx, a.cfg.Bucket, miniogo.MakeBucketOptions{}); err != nil {
		return a.fail(fmt.Errorf("create bucket %s: %w", a.cfg.Bucket, err))
	}
	a.log.Info("Created transcript bucket", logger.String("bucket", a.cfg.Bucket))
	return nil
}

// Put uploads the transcript and returns its key. With fail_silently set,
// upload errors are logged and an empty key is returned without error.
func (a *Archiver) Put(ctx context.Context, t *Transcript) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if t == nil {
		return "", errors.New("transcript is nil")
	}
	if t.ArchivedAt.IsZero() {
		t.ArchivedAt = a.now().UTC()
	}

	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	key := t.Key()
	_, err = a.store.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), miniogo.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"job-id":  t.JobID,
			"attempt": strconv.Itoa(t.Attempt),
			"status":  t.Status,
		},
	})
	if err != nil {
		return "", a.fail(fmt.Errorf("upload transcript %s: %w", key, err))
	}

	a.log.Debug("Uploaded transcript",
		logger.String("object_key", key),
		logger.Int("size", len(body)),
	)
	return key, nil
}

func (a *Archiver) fail(err error) error {
	if a.cfg.FailSilently {
		a.log.Warn("Transcript archive error", logger.Error(err))
		return nil
	}
	return err
}
