package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned when a blob reference does not resolve.
var ErrNotFound = errors.New("blob not found")

// BlobStore resolves document references to bytes.
type BlobStore interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// ObjectStore is a BlobStore that can also accept uploads.
type ObjectStore interface {
	BlobStore
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Router sends http(s) references to Remote and everything else to Objects.
type Router struct {
	Objects BlobStore
	Remote  BlobStore
}

func (r Router) pick(ref string) (BlobStore, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if r.Remote == nil {
			return nil, fmt.Errorf("no remote store for %q", ref)
		}
		return r.Remote, nil
	}
	if r.Objects == nil {
		return nil, fmt.Errorf("no object store for %q", ref)
	}
	return r.Objects, nil
}

func (r Router) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	s, err := r.pick(ref)
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, ref)
}

func (r Router) Delete(ctx context.Context, ref string) error {
	s, err := r.pick(ref)
	if err != nil {
		return err
	}
	return s.Delete(ctx, ref)
}
