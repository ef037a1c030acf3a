// Package gateway is the outbound boundary to the LINE Messaging API.
//
// Every reply and push goes through a Gateway. User recipients are validated
// with a profile lookup first; when validation fails (or sandbox mode is on)
// nothing is sent and the caller receives an Echo describing the payload that
// would have been delivered. Group and room recipients are sent directly.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// TargetType is the kind of chat a message is addressed to.
type TargetType string

// Target types
const (
	TargetUser  TargetType = "user"
	TargetGroup TargetType = "group"
	TargetRoom  TargetType = "room"
)

// Target addresses a chat. ID is the user, group or room ID; UserID is the
// member who triggered the event (equal to ID for one-on-one chats).
type Target struct {
	Type   TargetType
	ID     string
	UserID string
}

// UserTarget returns the target for a one-on-one chat.
func UserTarget(userID string) Target {
	return Target{Type: TargetUser, ID: userID, UserID: userID}
}

// IsUser reports whether messages to t need recipient validation.
func (t Target) IsUser() bool {
	return t.Type == TargetUser || t.Type == ""
}

// Profile is the subset of a LINE user profile the bot uses.
type Profile struct {
	UserID      string
	DisplayName string
	PictureURL  string
}

// Profile lookup failure codes.
const (
	CodeEmptyUserID       = "EMPTY_USER_ID"
	CodeUserNotFound      = "USER_NOT_FOUND_OR_NOT_FRIEND"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeNetworkError      = "NETWORK_ERROR"
	CodeSandboxMode       = "SANDBOX_MODE"
)

// ErrEmptyUserID is returned by Profile for an empty user ID.
var ErrEmptyUserID = errors.New("empty user id")

// ProfileError describes why a recipient could not be validated.
type ProfileError struct {
	Code   string
	Status int // HTTP status, 0 for network errors
	Err    error
}

func (e *ProfileError) Error() string {
	if e.Err == nil {
		return "profile lookup failed: " + e.Code
	}
	return fmt.Sprintf("profile lookup failed: %s: %v", e.Code, e.Err)
}

func (e *ProfileError) Unwrap() error {
	return e.Err
}

// codeForStatus maps a LINE API HTTP status to a failure code.
func codeForStatus(status int) string {
	switch status {
	case 404:
		return CodeUserNotFound
	case 403:
		return CodePermissionDenied
	case 429:
		return CodeRateLimitExceeded
	case 0:
		return CodeNetworkError
	default:
		return fmt.Sprintf("LINE_API_ERROR_%d", status)
	}
}

// Gateway sends messages to LINE.
//
// Reply and Push return a nil Echo when the messages were delivered and a
// non-nil Echo when delivery was skipped because the recipient could not be
// validated. An error means LINE rejected or failed the request.
type Gateway interface {
	Reply(ctx context.Context, replyToken string, target Target, msgs ...messaging_api.MessageInterface) (*Echo, error)
	Push(ctx context.Context, target Target, msgs ...messaging_api.MessageInterface) (*Echo, error)
	Profile(ctx context.Context, userID string) (*Profile, error)
	ImageContent(ctx context.Context, messageID string) ([]byte, error)
	StartLoading(ctx context.Context, chatID string, seconds int) error
}
