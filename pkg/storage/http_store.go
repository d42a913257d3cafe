package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPStore fetches documents from plain or pre-signed URLs. It never owns
// the remote object, so Delete is a no-op.
type HTTPStore struct {
	client *http.Client
}

func NewHTTPStore(client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	return &HTTPStore{client: client}
}

func (h *HTTPStore) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("download failed: %s", resp.Status)
	}
	return resp.Body, nil
}

func (h *HTTPStore) Delete(context.Context, string) error {
	return nil
}
