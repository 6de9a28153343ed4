package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// ArtifactRef is the stable, retrievable reference returned by a successful
// upload.
type ArtifactRef struct {
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// Uploader persists finished capture artifacts with a bounded timeout.
// Upload failures are reported, never retried here — the caller owns the
// retry policy.
type Uploader struct {
	store   AudioStore
	timeout time.Duration
	log     zerolog.Logger
}

// NewUploader creates an uploader over the given store.
func NewUploader(store AudioStore, timeout time.Duration, log zerolog.Logger) *Uploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Uploader{
		store:   store,
		timeout: timeout,
		log:     log.With().Str("component", "uploader").Logger(),
	}
}

// Upload persists the artifact bytes under key. Idempotent for the same
// key: a re-upload overwrites the previous object.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, contentType string) (ArtifactRef, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	if err := u.store.Save(ctx, key, data, contentType); err != nil {
		return ArtifactRef{}, fmt.Errorf("upload %s: %w", key, err)
	}

	ref := ArtifactRef{Key: key, ContentType: contentType, Size: len(data)}
	url, err := u.store.URL(ctx, key)
	if err != nil {
		u.log.Warn().Err(err).Str("key", key).Msg("presign failed, returning key-only ref")
	} else {
		ref.URL = url
	}

	u.log.Info().Str("key", key).Int("bytes", len(data)).Str("store", u.store.Type()).Msg("artifact uploaded")
	return ref, nil
}

// Fetch reads artifact bytes back from storage, for re-transcription long
// after the in-memory artifact is gone.
func (u *Uploader) Fetch(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	r, err := u.store.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	return data, nil
}

// Release removes the stored artifact. Used on recording deletion;
// best-effort at the call site.
func (u *Uploader) Release(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	if err := u.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
