package archive_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/archive"
	"github.com/jonesrussell/north-cloud/grader/internal/config"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
)

type fakeStore struct {
	buckets map[string]bool
	objects map[string][]byte
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{buckets: map[string]bool{}, objects: map[string][]byte{}}
}

func (f *fakeStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ miniogo.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) PutObject(_ context.Context, _, key string, r io.Reader, _ int64, _ miniogo.PutObjectOptions) (miniogo.UploadInfo, error) {
	if f.putErr != nil {
		return miniogo.UploadInfo{}, f.putErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return miniogo.UploadInfo{}, err
	}
	f.objects[key] = body
	return miniogo.UploadInfo{Key: key, Size: int64(len(body))}, nil
}

func transcript() *archive.Transcript {
	return &archive.Transcript{JobID: "job-1", SubmissionID: "sub-1", RubricID: "rub-1", Attempt: 2, Status: "TERMINATED_SUCCESS"}
}

func TestPut(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	a := archive.NewWithStore(store, config.ArchiveConfig{Bucket: "grader"}, logger.NewNop())

	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.True(t, store.buckets["grader"])

	key, err := a.Put(context.Background(), transcript())
	require.NoError(t, err)
	assert.Equal(t, "transcripts/sub-1/rub-1/job-1-2.json", key)

	var got archive.Transcript
	require.NoError(t, json.Unmarshal(store.objects[key], &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.False(t, got.ArchivedAt.IsZero())
}

func TestPut_Failures(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.putErr = errors.New("connection refused")

	strict := archive.NewWithStore(store, config.ArchiveConfig{Bucket: "grader"}, logger.NewNop())
	_, err := strict.Put(context.Background(), transcript())
	require.Error(t, err)

	silent := archive.NewWithStore(store, config.ArchiveConfig{Bucket: "grader", FailSilently: true}, logger.NewNop())
	key, err := silent.Put(context.Background(), transcript())
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()
	a, err := archive.New(config.ArchiveConfig{}, logger.NewNop())
	require.NoError(t, err)
	assert.False(t, a.Enabled())

	key, err := a.Put(context.Background(), transcript())
	require.NoError(t, err)
	assert.Empty(t, key)
	require.NoError(t, a.EnsureBucket(context.Background()))
}
