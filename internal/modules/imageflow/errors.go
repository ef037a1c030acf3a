package imageflow

import (
	"context"
	"errors"

	"github.com/garyellow/linebot-imagelab/internal/imageapi"
)

const timeoutText = "處理時間過長，請稍後再試"

// Explain returns the user-facing text for the failures every provider
// shares. ok is false when err needs a feature-specific message.
func Explain(err error) (text string, ok bool) {
	switch {
	case errors.Is(err, imageapi.ErrInsufficientCredit):
		return InsufficientCredit, true
	case errors.Is(err, context.DeadlineExceeded):
		return timeoutText, true
	}
	return "", false
}
