// Package bot routes LINE events to feature modules.
//
// Each module (menu, member, colorize, edit) implements Feature. The Router
// picks at most one feature per event using, in order: the global-command
// bypass, the affinity of the user's active session, and a probe of every
// feature in registration order.
package bot

import (
	"context"

	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/session"
)

// Feature is one conversational capability.
//
// A feature owns the sessions whose Feature field equals Name(); only it may
// transition or clear them. HandleText and HandleImage send their replies
// through the gateway themselves and return a non-nil Echo only when the
// gateway skipped delivery.
type Feature interface {
	// Name identifies the feature in sessions and in the registry.
	Name() string

	// CanHandle reports whether the feature accepts text. It must not have
	// side effects. sess is the user's session or nil.
	CanHandle(ctx context.Context, text string, sess *session.Session) bool

	HandleText(ctx context.Context, ev *Event) (*gateway.Echo, error)
	HandleImage(ctx context.Context, ev *Event) (*gateway.Echo, error)
}

// FollowHandler is implemented by the feature that greets new followers.
type FollowHandler interface {
	HandleFollow(ctx context.Context, ev *Event) (*gateway.Echo, error)
}

// NoImage can be embedded by features that ignore images.
type NoImage struct{}

// HandleImage does nothing.
func (NoImage) HandleImage(context.Context, *Event) (*gateway.Echo, error) {
	return nil, nil
}

// Event is an inbound LINE event reduced to what features need.
type Event struct {
	UserID     string
	Target     gateway.Target
	ReplyToken string
	MessageID  string

	// Text is the message as sent; Command is Text after NormalizeCommand.
	Text    string
	Command string

	// Session is the user's session when the router loaded it, or nil.
	Session *session.Session
}

// DisplayName returns the user's LINE display name, or fallback when the
// profile cannot be read.
func DisplayName(ctx context.Context, gw gateway.Gateway, userID, fallback string) string {
	p, err := gw.Profile(ctx, userID)
	if err != nil || p == nil || p.DisplayName == "" {
		return fallback
	}
	return p.DisplayName
}
