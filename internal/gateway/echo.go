package gateway

import (
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// EchoStatus is the status carried by every echo object.
const EchoStatus = "success"

// Echo is returned instead of sending when a recipient is not reachable.
// Data holds one EchoMessage for a single message, otherwise a slice.
type Echo struct {
	Status    string  `json:"status"`
	Data      any     `json:"data"`
	UserID    string  `json:"user_id"`
	Timestamp float64 `json:"timestamp"`
	Reason    string  `json:"reason,omitempty"`
}

// EchoMessage is the serialized form of one outbound message.
type EchoMessage struct {
	Type               string          `json:"type"`
	Text               string          `json:"text,omitempty"`
	QuickReply         *EchoQuickReply `json:"quick_reply,omitempty"`
	OriginalContentURL string          `json:"original_content_url,omitempty"`
	PreviewImageURL    string          `json:"preview_image_url,omitempty"`
}

// EchoQuickReply is the serialized quick reply of a message.
type EchoQuickReply struct {
	Items []EchoAction `json:"items"`
}

// EchoAction is one serialized quick reply button.
type EchoAction struct {
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
	Text  string `json:"text,omitempty"`
}

// NewEcho builds the echo for msgs addressed to userID.
func NewEcho(userID, reason string, now time.Time, msgs ...messaging_api.MessageInterface) *Echo {
	serialized := SerializeMessages(msgs)

	var data any = serialized
	if len(serialized) == 1 {
		data = serialized[0]
	}
	return &Echo{
		Status:    EchoStatus,
		Data:      data,
		UserID:    userID,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		Reason:    reason,
	}
}

// Messages returns the serialized messages regardless of their count.
func (e *Echo) Messages() []EchoMessage {
	if e == nil {
		return nil
	}
	switch d := e.Data.(type) {
	case EchoMessage:
		return []EchoMessage{d}
	case []EchoMessage:
		return d
	}
	return nil
}

// SerializeMessages converts SDK messages into their echo form.
func SerializeMessages(msgs []messaging_api.MessageInterface) []EchoMessage {
	out := make([]EchoMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, serializeMessage(msg))
	}
	return out
}

func serializeMessage(msg messaging_api.MessageInterface) EchoMessage {
	switch m := msg.(type) {
	case *messaging_api.TextMessage:
		return EchoMessage{Type: "text", Text: m.Text, QuickReply: serializeQuickReply(m.QuickReply)}
	case *messaging_api.ImageMessage:
		return EchoMessage{
			Type:               "image",
			OriginalContentURL: m.OriginalContentUrl,
			PreviewImageURL:    m.PreviewImageUrl,
			QuickReply:         serializeQuickReply(m.QuickReply),
		}
	case nil:
		return EchoMessage{Type: "unknown"}
	default:
		return EchoMessage{Type: msg.GetType()}
	}
}

func serializeQuickReply(qr *messaging_api.QuickReply) *EchoQuickReply {
	if qr == nil || len(qr.Items) == 0 {
		return nil
	}
	items := make([]EchoAction, 0, len(qr.Items))
	for _, item := range qr.Items {
		switch a := item.Action.(type) {
		case *messaging_api.MessageAction:
			items = append(items, EchoAction{Type: "message", Label: a.Label, Text: a.Text})
		case nil:
		default:
			items = append(items, EchoAction{Type: a.GetType()})
		}
	}
	return &EchoQuickReply{Items: items}
}
