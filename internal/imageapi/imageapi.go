// Package imageapi calls hosted image models. Every operation returns the
// HTTPS URL of the produced image so it can be pushed to LINE as-is.
package imageapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

// Models used by the Replicate provider.
const (
	ColorizeModel = "flux-kontext-apps/restore-image"
	EditModel     = "google/nano-banana"
)

// Errors shared by providers. Provider errors wrap one of these when the
// failure is recognized.
var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrNoOutput           = errors.New("model returned no output")
	ErrModelNotFound      = errors.New("model not found")
	ErrInvalidInput       = errors.New("invalid input")
)

// Client restores and edits images.
type Client interface {
	// Colorize restores and colorizes a photo.
	Colorize(ctx context.Context, image []byte) (string, error)
	// Edit applies a natural-language instruction to a photo.
	Edit(ctx context.Context, image []byte, prompt string) (string, error)
	// Provider names the backend for logs and metrics.
	Provider() string
}

// DataURL encodes image bytes as a data URL. The MIME type is sniffed and
// defaults to JPEG, which is what LINE delivers for photos.
func DataURL(image []byte) string {
	mime := http.DetectContentType(image)
	switch mime {
	case "image/png", "image/webp", "image/gif", "image/jpeg":
	default:
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image))
}

// APIError is a failed call to a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Detail     string
	Kind       error // one of the package sentinels, or nil
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// Retryable reports whether repeating the same idempotent request may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
