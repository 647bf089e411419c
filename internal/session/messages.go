package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amanullahtanweer/caption-relay/internal/audio"
	"github.com/amanullahtanweer/caption-relay/internal/transcriber"
)

// ErrMissingCredential is returned by Start when no API key is configured.
var ErrMissingCredential = errors.New("session: api key required")

// UserMessage maps a session failure to the text shown to the operator.
func UserMessage(err error) string {
	var ue *transcriber.UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCredential):
		return "API key required"
	case errors.Is(err, transcriber.ErrUnauthorized):
		return "Invalid API key"
	case errors.Is(err, transcriber.ErrQuotaExceeded):
		return "Insufficient credits"
	case errors.As(err, &ue) && ue.Status > 0:
		return fmt.Sprintf("API error: %d", ue.Status)
	case errors.Is(err, transcriber.ErrInvalidConfig):
		return "Invalid settings: " + strings.TrimPrefix(err.Error(), transcriber.ErrInvalidConfig.Error()+": ")
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone access denied. Please allow microphone access in your system settings."
	case errors.Is(err, audio.ErrDeviceNotFound):
		return "No microphone found. Please connect a microphone."
	case errors.Is(err, audio.ErrEnvironmentUnsupported):
		return "Audio capture is not supported on this system."
	case errors.Is(err, audio.ErrDevice):
		return "Failed to access microphone."
	default:
		return "Connection failed"
	}
}

// fatal reports errors a retry cannot fix: credentials, quota, settings and
// capture devices.
func fatal(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, transcriber.ErrUnauthorized) ||
		errors.Is(err, transcriber.ErrQuotaExceeded) ||
		errors.Is(err, transcriber.ErrInvalidConfig) ||
		errors.Is(err, audio.ErrPermissionDenied) ||
		errors.Is(err, audio.ErrDeviceNotFound) ||
		errors.Is(err, audio.ErrEnvironmentUnsupported) ||
		errors.Is(err, audio.ErrDevice)
}

// BackoffDelay is the wait before reconnect attempt n (1-based):
// base * 2^(n-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}
	return base << (attempt - 1)
}
