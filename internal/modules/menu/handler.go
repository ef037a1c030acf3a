// Package menu answers the main menu, help and other-features commands.
// It is stateless.
package menu

import (
	"context"
	"fmt"
	"slices"

	"github.com/garyellow/linebot-imagelab/internal/bot"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/garyellow/linebot-imagelab/internal/storage"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// ModuleName is the feature name.
const ModuleName = "menu"

// Prices shown in the help text.
type Prices struct {
	Colorize int64
	Edit     int64
}

// Handler implements the menu feature.
type Handler struct {
	bot.NoImage

	gateway gateway.Gateway
	logger  *logger.Logger
	prices  Prices
}

var _ bot.Feature = (*Handler)(nil)

// NewHandler creates the menu feature.
func NewHandler(gw gateway.Gateway, log *logger.Logger, prices Prices) *Handler {
	if log == nil {
		log = logger.New("info")
	}
	return &Handler{gateway: gw, logger: log.WithModule(ModuleName), prices: prices}
}

// Name returns the module name.
func (h *Handler) Name() string { return ModuleName }

// CanHandle accepts the menu commands only.
func (h *Handler) CanHandle(_ context.Context, text string, _ *session.Session) bool {
	return slices.Contains(bot.MenuCommands, text)
}

// HandleText replies with the requested page.
func (h *Handler) HandleText(ctx context.Context, ev *bot.Event) (*gateway.Echo, error) {
	name := bot.DisplayName(ctx, h.gateway, ev.UserID, storage.DefaultDisplayName)

	var msg messaging_api.MessageInterface
	switch ev.Command {
	case bot.CmdHelp, bot.CmdHelpEnglish:
		msg = lineutil.NewTextMessageWithQuickReply(h.helpText(name), lineutil.QuickReplyMainNav()...)
	case bot.CmdOtherFeatures:
		msg = lineutil.NewTextMessage(otherFeaturesText(name))
	default:
		msg = lineutil.NewTextMessageWithQuickReply(name+" 你好！✨\n🤖 請選擇您想要的功能：", lineutil.QuickReplyMainNav()...)
	}

	if ev.ReplyToken == "" {
		return nil, nil
	}
	echo, err := h.gateway.Reply(ctx, ev.ReplyToken, ev.Target, msg)
	if err != nil {
		return nil, fmt.Errorf("menu reply: %w", err)
	}
	return echo, nil
}

func (h *Handler) helpText(name string) string {
	return fmt.Sprintf(`%s 你好！✨
❓ 使用說明

🤖 這個 LINE Bot 為您提供以下貼心服務：

🎨 圖片彩色化：
- 輸入「%s」後上傳您的黑白照片
- 自動進行精心的彩色化處理
- 讓回憶重新綻放光彩 🌈

🖌️ 圖片編輯：
- 輸入「%s」後上傳圖片
- 再用文字描述想要的效果

💎 點數：
- 圖片彩色化每張消耗 %d 點
- 圖片編輯每次消耗 %d 點
- 輸入「%s」查看剩餘點數

💡 貼心提醒：
- 輸入 "%s" 開啟功能選單
- 流程中輸入「%s」即可結束`,
		name, bot.CmdColorize, bot.CmdEdit, h.prices.Colorize, h.prices.Edit,
		bot.CmdPoints, bot.CmdMenu, bot.CmdCancel)
}

func otherFeaturesText(name string) string {
	return name + " 你好！✨\n🔧 其他功能\n\n更多貼心功能正在精心開發中，敬請期待！🌟\n\n目前為您提供的服務：\n• 🎨 圖片彩色化\n• 🖌️ 圖片編輯\n• 💎 點數查詢\n• ❓ 使用說明"
}
