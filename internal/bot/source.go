package bot

import (
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// TargetFor returns where replies and pushes for source go. ID is the chat
// (user, group or room) and UserID the sender; both are empty for an
// unknown source, and UserID is empty when LINE withholds it in a group.
func TargetFor(source webhook.SourceInterface) gateway.Target {
	switch s := source.(type) {
	case webhook.UserSource:
		return gateway.UserTarget(s.UserId)
	case webhook.GroupSource:
		return gateway.Target{Type: gateway.TargetGroup, ID: s.GroupId, UserID: s.UserId}
	case webhook.RoomSource:
		return gateway.Target{Type: gateway.TargetRoom, ID: s.RoomId, UserID: s.UserId}
	}
	return gateway.Target{}
}
