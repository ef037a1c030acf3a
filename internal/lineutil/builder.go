// Package lineutil provides utility functions for building LINE messages and actions.
package lineutil

import (
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// QuickReplyItem represents an item in a quick reply.
type QuickReplyItem struct {
	ImageURL string
	Action   messaging_api.ActionInterface
}

// Action is an alias for the LINE SDK action interface for convenience.
type Action = messaging_api.ActionInterface

// NewTextMessage creates a plain text message.
// Text longer than MaxTextMessageLength runes is truncated with "...".
func NewTextMessage(text string) *messaging_api.TextMessage {
	return &messaging_api.TextMessage{
		Text: TruncateRunes(text, MaxTextMessageLength),
	}
}

// NewImageMessage creates an image message with the given URLs.
// LINE requires both URLs to be HTTPS.
func NewImageMessage(originalContentURL, previewImageURL string) *messaging_api.ImageMessage {
	if previewImageURL == "" {
		previewImageURL = originalContentURL
	}
	return &messaging_api.ImageMessage{
		OriginalContentUrl: originalContentURL,
		PreviewImageUrl:    previewImageURL,
	}
}

// NewMessageAction creates an action that sends text as the user when tapped.
func NewMessageAction(label, text string) Action {
	return &messaging_api.MessageAction{
		Label: TruncateRunes(label, MaxQuickReplyLabel),
		Text:  text,
	}
}

// QuickReplyMessage is a shortcut for a quick reply item that sends label as text.
func QuickReplyMessage(label string) QuickReplyItem {
	return QuickReplyItem{Action: NewMessageAction(label, label)}
}

// NewQuickReply creates a quick reply component. Items beyond
// MaxQuickReplyItemCount are dropped.
func NewQuickReply(items []QuickReplyItem) *messaging_api.QuickReply {
	if len(items) > MaxQuickReplyItemCount {
		items = items[:MaxQuickReplyItemCount]
	}

	quickReplyItems := make([]messaging_api.QuickReplyItem, len(items))
	for i, item := range items {
		quickReplyItems[i] = messaging_api.QuickReplyItem{
			Action:   item.Action,
			ImageUrl: item.ImageURL,
		}
	}

	return &messaging_api.QuickReply{
		Items: quickReplyItems,
	}
}

// NewTextMessageWithQuickReply creates a text message with quick reply items attached.
func NewTextMessageWithQuickReply(text string, items ...QuickReplyItem) *messaging_api.TextMessage {
	msg := NewTextMessage(text)
	if len(items) > 0 {
		msg.QuickReply = NewQuickReply(items)
	}
	return msg
}

// AddQuickReplyToMessages attaches quick reply items to the last message in a slice.
// Messages that cannot carry a quick reply are left unchanged.
func AddQuickReplyToMessages(messages []messaging_api.MessageInterface, items ...QuickReplyItem) {
	if len(messages) == 0 || len(items) == 0 {
		return
	}
	qr := NewQuickReply(items)
	switch m := messages[len(messages)-1].(type) {
	case *messaging_api.TextMessage:
		m.QuickReply = qr
	case *messaging_api.ImageMessage:
		m.QuickReply = qr
	}
}

// ErrorMessage is the generic apology sent when a request failed unexpectedly.
func ErrorMessage() *messaging_api.TextMessage {
	return NewTextMessage("❌ 系統暫時無法處理您的請求\n\n請稍後再試，或聯絡管理員協助。")
}

// TruncateRunes truncates text by rune count (not byte count) to properly handle UTF-8.
// Returns truncated string with "..." if exceeds maxRunes.
func TruncateRunes(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// ================================================
// Quick Reply Shortcuts
// ================================================

// QuickReplyColorizeAction returns a "圖片彩色化" quick reply item
func QuickReplyColorizeAction() QuickReplyItem {
	return QuickReplyItem{Action: NewMessageAction("📸 圖片彩色化", "圖片彩色化")}
}

// QuickReplyEditAction returns a "圖片編輯" quick reply item
func QuickReplyEditAction() QuickReplyItem {
	return QuickReplyItem{Action: NewMessageAction("🖌️ 圖片編輯", "圖片編輯")}
}

// QuickReplyPointsAction returns a "點數" quick reply item
func QuickReplyPointsAction() QuickReplyItem {
	return QuickReplyItem{Action: NewMessageAction("💎 我的點數", "點數")}
}

// QuickReplyHistoryAction returns a "歷史" quick reply item
func QuickReplyHistoryAction() QuickReplyItem {
	return QuickReplyItem{Action: NewMessageAction("📊 交易記錄", "歷史")}
}

// QuickReplyHelpAction returns a "使用說明" quick reply item
func QuickReplyHelpAction() QuickReplyItem {
	return QuickReplyItem{Action: NewMessageAction("❓ 使用說明", "使用說明")}
}

// QuickReplyCancelAction returns a "取消" quick reply item
func QuickReplyCancelAction() QuickReplyItem {
	return QuickReplyItem{Action: NewMessageAction("✖️ 取消", "取消")}
}

// QuickReplyMainNav returns the main menu quick reply items
func QuickReplyMainNav() []QuickReplyItem {
	return []QuickReplyItem{
		QuickReplyColorizeAction(),
		QuickReplyEditAction(),
		QuickReplyPointsAction(),
		QuickReplyHelpAction(),
	}
}
