package transcribe

import (
	"context"
	"errors"
	"strings"
)

// ErrRateLimited is returned by providers when the service rejects the
// request for rate or quota reasons. The orchestrator surfaces it as a
// retryable-later outcome and never retries automatically.
var ErrRateLimited = errors.New("transcription rate limited")

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, contentType string, opts Opts) (*Response, error)
	Name() string  // "whisper", "elevenlabs"
	Model() string // model identifier for DB/logs
}

// Opts are per-request transcription options.
type Opts struct {
	Temperature float64
	Language    string
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64 // audio duration in seconds
}

// audioFileName names the multipart upload for a container type; some
// backends sniff the extension.
func audioFileName(contentType string) string {
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	switch base {
	case "audio/webm":
		return "audio.webm"
	case "audio/mp4":
		return "audio.m4a"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/wav":
		return "audio.wav"
	default:
		return "audio.bin"
	}
}
