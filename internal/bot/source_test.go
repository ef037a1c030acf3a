package bot

import (
	"testing"

	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

func TestTargetFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source webhook.SourceInterface
		want   gateway.Target
	}{
		{"user", webhook.UserSource{UserId: "U1"}, gateway.Target{Type: gateway.TargetUser, ID: "U1", UserID: "U1"}},
		{"group", webhook.GroupSource{GroupId: "C1", UserId: "U2"}, gateway.Target{Type: gateway.TargetGroup, ID: "C1", UserID: "U2"}},
		{"room", webhook.RoomSource{RoomId: "R1", UserId: "U3"}, gateway.Target{Type: gateway.TargetRoom, ID: "R1", UserID: "U3"}},
		{"group without user", webhook.GroupSource{GroupId: "C2"}, gateway.Target{Type: gateway.TargetGroup, ID: "C2"}},
		{"nil", nil, gateway.Target{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TargetFor(tt.source); got != tt.want {
				t.Errorf("TargetFor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
