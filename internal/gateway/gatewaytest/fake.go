// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"sync"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// Sent is one recorded reply or push.
type Sent struct {
	Method     string // "reply" or "push"
	ReplyToken string
	Target     gateway.Target
	Messages   []messaging_api.MessageInterface
}

// Texts returns the text of every text message in s.
func (s Sent) Texts() []string {
	var out []string
	for _, m := range s.Messages {
		if t, ok := m.(*messaging_api.TextMessage); ok {
			out = append(out, t.Text)
		}
	}
	return out
}

// Fake records outbound traffic instead of calling LINE.
//
// Users listed in Unreachable get an echo with the mapped failure code,
// mirroring what the LINE gateway does for unreachable recipients.
type Fake struct {
	mu sync.Mutex

	Profiles    map[string]*gateway.Profile
	Unreachable map[string]string // user ID -> failure code
	Images      map[string][]byte
	SendErr     error
	ImageErr    error

	sent    []Sent
	echoes  []*gateway.Echo
	loading []string
	now     func() time.Time
}

var _ gateway.Gateway = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Profiles:    make(map[string]*gateway.Profile),
		Unreachable: make(map[string]string),
		Images:      make(map[string][]byte),
		now:         time.Now,
	}
}

// Reply records a reply.
func (f *Fake) Reply(_ context.Context, replyToken string, target gateway.Target, msgs ...messaging_api.MessageInterface) (*gateway.Echo, error) {
	return f.record(Sent{Method: "reply", ReplyToken: replyToken, Target: target, Messages: msgs})
}

// Push records a push.
func (f *Fake) Push(_ context.Context, target gateway.Target, msgs ...messaging_api.MessageInterface) (*gateway.Echo, error) {
	return f.record(Sent{Method: "push", Target: target, Messages: msgs})
}

func (f *Fake) record(s Sent) (*gateway.Echo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(s.Messages) == 0 {
		return nil, nil
	}
	if s.Target.IsUser() {
		if code, ok := f.Unreachable[s.Target.ID]; ok {
			echo := gateway.NewEcho(s.Target.ID, code, f.now(), s.Messages...)
			f.echoes = append(f.echoes, echo)
			return echo, nil
		}
	}
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.sent = append(f.sent, s)
	return nil, nil
}

// Profile returns the configured profile, or a not-found error.
func (f *Fake) Profile(_ context.Context, userID string) (*gateway.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if userID == "" {
		return nil, &gateway.ProfileError{Code: gateway.CodeEmptyUserID, Err: gateway.ErrEmptyUserID}
	}
	if code, ok := f.Unreachable[userID]; ok {
		return nil, &gateway.ProfileError{Code: code}
	}
	if p, ok := f.Profiles[userID]; ok {
		return p, nil
	}
	return nil, &gateway.ProfileError{Code: gateway.CodeUserNotFound, Status: 404}
}

// ImageContent returns the configured bytes for messageID.
func (f *Fake) ImageContent(_ context.Context, messageID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ImageErr != nil {
		return nil, f.ImageErr
	}
	if data, ok := f.Images[messageID]; ok {
		return data, nil
	}
	return []byte("jpeg-bytes-" + messageID), nil
}

// StartLoading records the chat ID.
func (f *Fake) StartLoading(_ context.Context, chatID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loading = append(f.loading, chatID)
	return nil
}

// Sent returns a copy of every delivered reply and push.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Pushes returns delivered pushes only.
func (f *Fake) Pushes() []Sent {
	var out []Sent
	for _, s := range f.Sent() {
		if s.Method == "push" {
			out = append(out, s)
		}
	}
	return out
}

// Replies returns delivered replies only.
func (f *Fake) Replies() []Sent {
	var out []Sent
	for _, s := range f.Sent() {
		if s.Method == "reply" {
			out = append(out, s)
		}
	}
	return out
}

// Echoes returns the echoes produced for unreachable users.
func (f *Fake) Echoes() []*gateway.Echo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gateway.Echo(nil), f.echoes...)
}

// Loading returns the chat IDs that got a loading animation.
func (f *Fake) Loading() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loading...)
}

// Reset forgets recorded traffic.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
	f.echoes = nil
	f.loading = nil
}
