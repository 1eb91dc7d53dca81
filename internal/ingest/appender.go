// Package ingest appends incoming transaction records to the training dataset object.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/storage"
)

// Result reports what Append wrote.
type Result struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Created bool   `json:"created"`
	Bytes   int    `json:"bytes"`
}

// Appender appends data to a single object. Appends from one Appender are serialized;
// concurrent writers in other processes are not coordinated.
type Appender struct {
	store  storage.ObjectStore
	bucket string
	key    string
	mu     sync.Mutex
}

// NewAppender creates an appender for bucket/key.
func NewAppender(store storage.ObjectStore, bucket, key string) (*Appender, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if bucket == "" || key == "" {
		return nil, errors.New("bucket and key are required")
	}
	return &Appender{store: store, bucket: bucket, key: key}, nil
}

// Append adds data to the object, separated from existing content by a newline.
// A missing object is created with data as its only content.
func (a *Appender) Append(ctx context.Context, data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, apperrors.Validation("data", "transaction data is empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.store.Get(ctx, a.bucket, a.key)
	created := false
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		created = true
	case err != nil:
		return nil, apperrors.Ship("ingest.read", err)
	}

	body := data
	if !created {
		body = make([]byte, 0, len(existing)+1+len(data))
		body = append(body, existing...)
		body = append(body, '\n')
		body = append(body, data...)
	}

	if err := a.store.Put(ctx, a.bucket, a.key, body, "text/csv"); err != nil {
		return nil, apperrors.Ship("ingest.write", err)
	}

	slog.Info("Transactions appended", "component", "ingest",
		"bucket", a.bucket, "key", a.key, "created", created, "bytes", len(data))
	return &Result{Bucket: a.bucket, Key: a.key, Created: created, Bytes: len(body)}, nil
}
