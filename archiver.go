package taskforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveStore is the blob interface task archival writes through.
// Archives are immutable once written, so the surface is deliberately
// small: no update, no delete.
type ArchiveStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// S3ArchiveStore keeps archives in S3 or any S3-compatible store.
type S3ArchiveStore struct {
	client *s3.Client
	bucket string
}

// NewS3ArchiveStore creates an archive store on an existing S3 client
func NewS3ArchiveStore(client *s3.Client, bucket string) *S3ArchiveStore {
	return &S3ArchiveStore{
		client: client,
		bucket: bucket,
	}
}

// MinIOConfig points the archive store at a MinIO deployment.
type MinIOConfig struct {
	Endpoint        string // e.g. "localhost:9000"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

// NewMinIOArchiveStore creates an archive store on MinIO. MinIO speaks
// the S3 API with path-style addressing, so this is the S3 store with a
// custom endpoint.
func NewMinIOArchiveStore(cfg MinIOConfig) *S3ArchiveStore {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       "us-east-1", // MinIO ignores regions, the SDK requires one
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	})

	return NewS3ArchiveStore(client, cfg.Bucket)
}

// Put stores data at key
func (s *S3ArchiveStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// Get retrieves the object at key. A missing object is ErrTaskNotFound:
// every key this store sees is derived from a task id.
func (s *S3ArchiveStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") {
			return nil, WithContext(ErrTaskNotFound, map[string]interface{}{
				"archive_key": key,
			})
		}
		return nil, err
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

// Exists checks whether an object exists at key
func (s *S3ArchiveStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns all keys under prefix
func (s *S3ArchiveStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range output.Contents {
			keys = append(keys, *obj.Key)
		}
	}

	return keys, nil
}

// Ping checks the bucket is reachable
func (s *S3ArchiveStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	return err
}

// Close releases resources. The S3 client has nothing to close.
func (s *S3ArchiveStore) Close() error {
	return nil
}

// ArchivedTask is the durable form of a finished task, written once when
// the completed event fires and kept past the repository TTL.
type ArchivedTask struct {
	Task       *Task     `json:"task"`
	ArchivedAt time.Time `json:"archived_at"`
}

// ArchiveSink writes every completed task to an ArchiveStore. It is an
// event sink, so archival rides the same best-effort fan-out as the other
// external observers: a write failure is logged and counted, never
// surfaced to the worker.
//
// When a repository is attached the archive holds the full record; events
// alone carry enough for a usable fallback.
type ArchiveSink struct {
	store   ArchiveStore
	repo    TaskRepository // optional, enriches the archive
	keys    KeyBuilder
	logger  Logger
	metrics Metrics
}

// NewArchiveSink creates a sink with no-op logger and metrics
func NewArchiveSink(store ArchiveStore) *ArchiveSink {
	return NewArchiveSinkWithObservability(store, &NoOpLogger{}, &NoOpMetrics{})
}

// NewArchiveSinkWithObservability creates a sink with logging and metrics
func NewArchiveSinkWithObservability(store ArchiveStore, logger Logger, metrics Metrics) *ArchiveSink {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &ArchiveSink{
		store:   store,
		keys:    KeyBuilder{Prefix: "archive", Suffix: ".json"},
		logger:  logger,
		metrics: metrics,
	}
}

// WithRepository lets the sink archive the full repository record instead
// of a reconstruction from the event.
func (a *ArchiveSink) WithRepository(repo TaskRepository) *ArchiveSink {
	a.repo = repo
	return a
}

// Name identifies the sink in logs
func (a *ArchiveSink) Name() string { return "archive" }

// Deliver archives completed tasks and ignores every other event.
func (a *ArchiveSink) Deliver(ctx context.Context, event TaskEvent) error {
	if event.Type != EventCompleted {
		return nil
	}

	task := a.resolveTask(ctx, event)
	payload, err := json.Marshal(ArchivedTask{
		Task:       task,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		a.metrics.Increment(MetricArchiveError)
		return err
	}

	if err := a.store.Put(ctx, a.keys.Key(event.TaskID), payload); err != nil {
		a.metrics.Increment(MetricArchiveError)
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "archive_put",
			"task_id":   event.TaskID,
			"cause":     err.Error(),
		})
	}

	a.metrics.Increment(MetricArchiveStored)
	return nil
}

// resolveTask prefers the repository record; a reconstruction from the
// event is the fallback when there is no repository or the record already
// expired.
func (a *ArchiveSink) resolveTask(ctx context.Context, event TaskEvent) *Task {
	if a.repo != nil {
		if task, err := a.repo.FindByID(ctx, event.TaskID); err == nil {
			return task
		}
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &Task{
		ID:          event.TaskID,
		Type:        "unknown",
		Status:      StatusCompleted,
		Result:      event.Result,
		Progress:    100,
		CreatedAt:   now,
		CompletedAt: &now,
		Version:     1,
	}
}

// ReadArchive fetches an archived task back out of the store.
func (a *ArchiveSink) ReadArchive(ctx context.Context, taskID string) (*ArchivedTask, error) {
	data, err := a.store.Get(ctx, a.keys.Key(taskID))
	if err != nil {
		return nil, err
	}

	var archived ArchivedTask
	if err := json.Unmarshal(data, &archived); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"task_id": taskID,
			"cause":   err.Error(),
		})
	}
	return &archived, nil
}

// ListArchives returns the task ids present in the archive.
func (a *ArchiveSink) ListArchives(ctx context.Context) ([]string, error) {
	keys, err := a.store.List(ctx, a.keys.Prefix+"/")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, a.keys.Prefix+"/")
		id = strings.TrimSuffix(id, a.keys.Suffix)
		ids = append(ids, id)
	}
	return ids, nil
}
