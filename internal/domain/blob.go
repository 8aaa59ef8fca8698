package domain

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one archived object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore keeps archive files. Get wraps ErrNotFound for missing keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Archiver copies old trade logs from the database to cold storage.
type Archiver interface {
	ArchiveTradeLogs(ctx context.Context, before time.Time) (int64, error)
}
