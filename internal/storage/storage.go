package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by GetObject when the key does not exist.
var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// PutOptions conveys upload destination metadata.
type PutOptions struct {
	Bucket           string
	Key              string
	ContentType      string
	Size             int64
	ProgressCallback func(done, total int64)
}

// Service stores registry snapshots in remote object storage.
type Service interface {
	PutObject(ctx context.Context, body io.Reader, opts PutOptions) (string, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
