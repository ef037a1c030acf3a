// Package imageapitest provides a scripted imageapi.Client for tests.
package imageapitest

import (
	"context"
	"sync"

	"github.com/garyellow/linebot-imagelab/internal/imageapi"
)

// Call is one recorded request.
type Call struct {
	Operation string // "colorize" or "edit"
	Image     []byte
	Prompt    string
}

// Fake returns URL, or Err when set. A non-nil Gate blocks every call until
// it is closed or the context ends.
type Fake struct {
	URL  string
	Err  error
	Gate chan struct{}

	mu    sync.Mutex
	calls []Call
}

var _ imageapi.Client = (*Fake)(nil)

// New returns a Fake that succeeds with url.
func New(url string) *Fake {
	return &Fake{URL: url}
}

// Provider returns "fake".
func (f *Fake) Provider() string { return "fake" }

// Colorize records the call.
func (f *Fake) Colorize(ctx context.Context, image []byte) (string, error) {
	return f.do(ctx, Call{Operation: "colorize", Image: image})
}

// Edit records the call.
func (f *Fake) Edit(ctx context.Context, image []byte, prompt string) (string, error) {
	return f.do(ctx, Call{Operation: "edit", Image: image, Prompt: prompt})
}

func (f *Fake) do(ctx context.Context, c Call) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	gate, url, err := f.Gate, f.URL, f.Err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return url, nil
}

// Calls returns the recorded requests.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}
