// Package member answers points, history and member-info queries and greets
// new followers.
package member

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/garyellow/linebot-imagelab/internal/bot"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/garyellow/linebot-imagelab/internal/storage"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// ModuleName is the feature name.
const ModuleName = "member"

// HistoryLimit is the number of transactions shown by the history view.
const HistoryLimit = 10

const (
	queryFailedText = "❌ 查詢失敗，請稍後再試"
	signupBonusDesc = "新會員註冊禮"
)

// Handler implements the member feature.
type Handler struct {
	bot.NoImage

	ledger      storage.Ledger
	gateway     gateway.Gateway
	logger      *logger.Logger
	signupBonus int64
}

var (
	_ bot.Feature       = (*Handler)(nil)
	_ bot.FollowHandler = (*Handler)(nil)
)

// NewHandler creates the member feature. signupBonus points are credited
// once to members created by a follow event.
func NewHandler(ledger storage.Ledger, gw gateway.Gateway, log *logger.Logger, signupBonus int64) *Handler {
	if log == nil {
		log = logger.New("info")
	}
	return &Handler{
		ledger:      ledger,
		gateway:     gw,
		logger:      log.WithModule(ModuleName),
		signupBonus: signupBonus,
	}
}

// Name returns the module name.
func (h *Handler) Name() string { return ModuleName }

// CanHandle accepts the member commands and free-form points inquiries. The
// feature keeps no session.
func (h *Handler) CanHandle(_ context.Context, text string, _ *session.Session) bool {
	return slices.Contains(bot.PointsCommands, text) ||
		slices.Contains(bot.HistoryCommands, text) ||
		slices.Contains(bot.MemberCommands, text) ||
		bot.IsPointsInquiry(text)
}

// HandleText replies with the requested view.
func (h *Handler) HandleText(ctx context.Context, ev *bot.Event) (*gateway.Echo, error) {
	m, _, err := h.ledger.GetOrCreateMember(ctx, h.profile(ctx, ev.UserID))
	if err != nil {
		h.logger.WithError(err).ErrorContext(ctx, "Failed to load member")
		return h.reply(ctx, ev, lineutil.NewTextMessage(queryFailedText))
	}

	var text string
	switch {
	case slices.Contains(bot.HistoryCommands, ev.Command):
		txs, err := h.ledger.GetPointHistory(ctx, ev.UserID, HistoryLimit)
		if err != nil {
			h.logger.WithError(err).ErrorContext(ctx, "Failed to load point history")
			return h.reply(ctx, ev, lineutil.NewTextMessage(queryFailedText))
		}
		text = formatHistory(m, txs)
	case slices.Contains(bot.MemberCommands, ev.Command):
		text = formatMemberInfo(m)
	default:
		text = formatPoints(m)
	}
	return h.reply(ctx, ev, lineutil.NewTextMessageWithQuickReply(text,
		lineutil.QuickReplyPointsAction(),
		lineutil.QuickReplyHistoryAction(),
		lineutil.QuickReplyHelpAction(),
	))
}

// HandleFollow registers the follower, credits the signup bonus for new
// members and sends the welcome message.
func (h *Handler) HandleFollow(ctx context.Context, ev *bot.Event) (*gateway.Echo, error) {
	m, created, err := h.ledger.GetOrCreateMember(ctx, h.profile(ctx, ev.UserID))
	if err != nil {
		return nil, fmt.Errorf("register follower: %w", err)
	}
	if created && h.signupBonus > 0 {
		tx, err := h.ledger.AddPoints(ctx, ev.UserID, h.signupBonus, storage.TxEarn, signupBonusDesc)
		if err != nil {
			h.logger.WithError(err).ErrorContext(ctx, "Failed to credit signup bonus")
		} else {
			m.Points = tx.BalanceAfter
		}
	}
	h.logger.InfoContext(ctx, "Follower registered", "created", created, "points", m.Points)

	msg := lineutil.NewTextMessageWithQuickReply(welcomeText(m, created), lineutil.QuickReplyMainNav()...)
	if ev.ReplyToken != "" {
		return h.reply(ctx, ev, msg)
	}
	return h.gateway.Push(ctx, ev.Target, msg)
}

func (h *Handler) profile(ctx context.Context, userID string) storage.MemberProfile {
	// Empty fields keep the stored profile.
	p := storage.MemberProfile{UserID: userID}
	prof, err := h.gateway.Profile(ctx, userID)
	if err != nil || prof == nil {
		h.logger.WithError(err).DebugContext(ctx, "Profile unavailable")
		return p
	}
	p.DisplayName, p.PictureURL = prof.DisplayName, prof.PictureURL
	return p
}

func (h *Handler) reply(ctx context.Context, ev *bot.Event, msgs ...messaging_api.MessageInterface) (*gateway.Echo, error) {
	if ev.ReplyToken == "" {
		return nil, nil
	}
	echo, err := h.gateway.Reply(ctx, ev.ReplyToken, ev.Target, msgs...)
	if err != nil {
		return nil, fmt.Errorf("member reply: %w", err)
	}
	return echo, nil
}

// StatusLabel returns the display label of a member status.
func StatusLabel(status string) (label, emoji string) {
	switch status {
	case storage.StatusVIP:
		return "VIP", "⭐"
	case storage.StatusSuspended:
		return "停用", "⚠️"
	case storage.StatusBanned:
		return "黑名單", "🚫"
	default:
		return "正常", "✅"
	}
}

// TypeLabel returns the display label of a transaction type.
func TypeLabel(txType string) string {
	switch txType {
	case storage.TxEarn:
		return "🎁 獲得"
	case storage.TxSpend:
		return "💳 消費"
	case storage.TxAdminAdd:
		return "➕ 管理員增加"
	case storage.TxAdminDeduct:
		return "➖ 管理員扣除"
	case storage.TxExpire:
		return "⏰ 過期"
	case storage.TxRefund:
		return "↩️ 退還"
	default:
		return txType
	}
}

func formatPoints(m *storage.Member) string {
	label, emoji := StatusLabel(m.Status)
	return fmt.Sprintf("💰 點數查詢\n\n👤 %s\n💎 剩餘點數：%d 點\n%s 會員狀態：%s\n\n輸入「歷史」查看交易記錄\n輸入「會員資訊」查看完整資料",
		m.DisplayName, m.Points, emoji, label)
}

func formatHistory(m *storage.Member, txs []storage.PointTransaction) string {
	if len(txs) == 0 {
		return fmt.Sprintf("📊 交易記錄\n\n目前沒有任何交易記錄\n\n💎 目前點數：%d 點", m.Points)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 交易記錄（最近 %d 筆）\n", HistoryLimit)
	for i := range txs {
		tx := &txs[i]
		desc := tx.Description
		if desc == "" {
			desc = "無說明"
		}
		fmt.Fprintf(&b, "\n%s %s\n%+d 點 → 餘額 %d 點\n說明：%s\n",
			lineutil.FormatTaipei(tx.Time(), "01/02 15:04"), TypeLabel(tx.Type), tx.Points, tx.BalanceAfter, desc)
	}
	fmt.Fprintf(&b, "\n💎 目前點數：%d 點", m.Points)
	return b.String()
}

func formatMemberInfo(m *storage.Member) string {
	label, emoji := StatusLabel(m.Status)
	id := m.UserID
	if len(id) > 8 {
		id = id[:8] + "..."
	}
	return fmt.Sprintf("👤 會員資訊\n\n📝 姓名：%s\n🆔 ID：%s\n💎 剩餘點數：%d 點\n📊 會員狀態：%s %s\n📅 註冊日期：%s\n\n輸入「點數」查看點數\n輸入「歷史」查看交易記錄",
		m.DisplayName, id, m.Points, label, emoji, lineutil.FormatTaipei(m.Joined(), "2006/01/02 15:04"))
}

func welcomeText(m *storage.Member, created bool) string {
	if !created {
		return fmt.Sprintf("%s 歡迎回來！✨\n💎 您目前有 %d 點\n\n🤖 請選擇您想要的功能：", m.DisplayName, m.Points)
	}
	return fmt.Sprintf("%s 你好，歡迎加入！🎉\n💎 您目前有 %d 點\n\n📸 圖片彩色化：讓黑白照片重現色彩\n🖌️ 圖片編輯：用文字描述修改圖片\n\n🤖 請選擇您想要的功能：", m.DisplayName, m.Points)
}
