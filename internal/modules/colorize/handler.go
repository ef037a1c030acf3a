// Package colorize restores and colorizes old photos.
//
// Dialogue: the entry command moves the user into waiting_image; the next
// image is charged, acknowledged and handed to the job runner, which pushes
// the colorized photo when the provider finishes.
package colorize

import (
	"context"
	"fmt"

	"github.com/garyellow/linebot-imagelab/internal/bot"
	"github.com/garyellow/linebot-imagelab/internal/config"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/imageapi"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/modules/imageflow"
	"github.com/garyellow/linebot-imagelab/internal/session"
)

// ModuleName is the feature name stored in sessions.
const ModuleName = "colorize"

const (
	ledgerLabel   = "圖片彩色化"
	cancelledText = "已取消圖片彩色化。"
	failurePrefix = "彩色化處理失敗: "
)

// Handler implements the colorize feature.
type Handler struct {
	flow   *imageflow.Flow
	images imageapi.Client
	logger *logger.Logger
}

var _ bot.Feature = (*Handler)(nil)

// NewHandler creates the colorize feature. cost is charged per photo.
func NewHandler(deps imageflow.Deps, images imageapi.Client, cost int64) *Handler {
	if deps.Logger == nil {
		deps.Logger = logger.New("info")
	}
	deps.Logger = deps.Logger.WithModule(ModuleName)
	return &Handler{
		flow: &imageflow.Flow{
			Deps:           deps,
			Feature:        ModuleName,
			Label:          ledgerLabel,
			Cost:           cost,
			LoadingSeconds: config.ColorizeLoadingSeconds,
		},
		images: images,
		logger: deps.Logger,
	}
}

// Name returns the module name.
func (h *Handler) Name() string { return ModuleName }

// CanHandle accepts the entry and cancel commands, and any text while the
// user is in a colorize dialogue.
func (h *Handler) CanHandle(_ context.Context, text string, sess *session.Session) bool {
	return text == bot.CmdColorize || text == bot.CmdCancel || sess.OwnedBy(ModuleName)
}

// HandleText handles the entry command, cancellation, and stray text inside
// the dialogue.
func (h *Handler) HandleText(ctx context.Context, ev *bot.Event) (*gateway.Echo, error) {
	sess := ev.Session
	processing := sess.Is(ModuleName, session.StateProcessing)

	switch {
	case ev.Command == bot.CmdColorize && !processing:
		name := h.flow.DisplayName(ctx, ev.UserID)
		return h.flow.Enter(ctx, ev, entryText(name, h.flow.CostLine("讓您的珍貴回憶重現色彩！")))
	case ev.Command == bot.CmdCancel:
		return h.flow.Cancel(ctx, ev, cancelledText)
	case processing:
		return h.flow.ReplyText(ctx, ev, imageflow.ProcessingText)
	case sess.Is(ModuleName, session.StateWaitingImage):
		return h.flow.ReplyText(ctx, ev, imageflow.NeedImageText)
	}
	return nil, nil
}

// HandleImage starts a colorize job when the user is waiting for one.
// Images in any other state, processing included, are dropped silently.
func (h *Handler) HandleImage(ctx context.Context, ev *bot.Event) (*gateway.Echo, error) {
	if !ev.Session.Is(ModuleName, session.StateWaitingImage) {
		return nil, nil
	}

	img, err := h.flow.FetchImage(ctx, ev)
	if err != nil {
		h.logger.WithError(err).WarnContext(ctx, "Failed to download image")
		return h.flow.ReplyText(ctx, ev, imageflow.ImageFetchFailText)
	}

	name := h.flow.DisplayName(ctx, ev.UserID)
	h.logger.InfoContext(ctx, "Starting colorize job", "bytes", len(img), "provider", h.images.Provider())
	return h.flow.Start(ctx, ev, nil, ackText(name),
		func(ctx context.Context) (string, error) {
			return h.images.Colorize(ctx, img)
		},
		explain,
	)
}

func explain(err error) string {
	if text, ok := imageflow.Explain(err); ok {
		return text
	}
	return failurePrefix + err.Error()
}

func entryText(name, costLine string) string {
	return fmt.Sprintf("%s 你好！✨\n🎨 圖片彩色化功能\n\n%s\n\n請上傳一張黑白照片，我將為您進行彩色化處理，讓回憶重新綻放光彩 🌈", name, costLine)
}

func ackText(name string) string {
	return name + "，我已經收到您的珍貴照片了！✨ 正在為您精心處理中，請稍候片刻 🌟"
}
