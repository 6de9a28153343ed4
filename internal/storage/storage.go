package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/studyhall/recap/internal/config"
)

// AudioStore abstracts audio artifact storage backends.
type AudioStore interface {
	// Save stores an artifact. key format: {owner_id}/{recording_id}{ext}.
	// Saving an existing key overwrites it.
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the artifact.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// URL returns a stable resolvable URL for the artifact.
	// Returns "" for backends without URL support.
	URL(ctx context.Context, key string) (string, error)

	// Exists checks whether the artifact is present.
	Exists(ctx context.Context, key string) bool

	// Delete removes the artifact. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// Key derives the deterministic storage key for a recording, so a re-upload
// of the same recording overwrites rather than duplicating.
func Key(ownerID, recordingID, ext string) string {
	return path.Join(ownerID, recordingID+ext)
}

// New creates an AudioStore based on config. Returns the store and optional
// background services (reconciler, pruner) that the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, audioDir string, log zerolog.Logger) (AudioStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(audioDir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary + S3 backup
	local := NewLocalStore(audioDir)
	tiered := NewTieredStore(s3store, local, log)

	services := []BackgroundService{
		NewReconciler(audioDir, s3store, log),
	}
	if cfg.CacheRetention > 0 {
		services = append(services, NewCachePruner(audioDir, cfg.CacheRetention, s3store, log))
	}

	return tiered, services, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// contentTypeForExt returns the container type for an artifact file
// extension.
func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".webm":
		return "audio/webm"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
