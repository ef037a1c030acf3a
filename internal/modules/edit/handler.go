// Package edit applies natural-language edits to a photo.
//
// The dialogue has one more step than colorize: after the image arrives the
// user is asked for a description, and only the description starts the job.
package edit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/garyellow/linebot-imagelab/internal/bot"
	"github.com/garyellow/linebot-imagelab/internal/config"
	domerrors "github.com/garyellow/linebot-imagelab/internal/errors"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/imageapi"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/modules/imageflow"
	"github.com/garyellow/linebot-imagelab/internal/session"
)

// ModuleName is the feature name stored in sessions.
const ModuleName = "edit"

// MaxDescriptionRunes caps the prompt sent to the provider.
const MaxDescriptionRunes = 500

const (
	ledgerLabel      = "圖片編輯"
	cancelledText    = "已取消圖片編輯。"
	missingImageText = "找不到您上傳的圖片，請重新開始圖片編輯流程。"
	emptyDescText    = "請輸入您想要的編輯效果，例如：將背景改成海灘"
	failurePrefix    = "圖片編輯處理失敗: "
	modelNotFound    = "找不到 " + imageapi.EditModel + " 模型，請檢查模型名稱是否正確"
	invalidInput     = "輸入參數格式錯誤，請檢查圖片和描述格式"
)

// payload is the session data carried between dialogue steps.
type payload struct {
	Image       []byte `json:"image_data"`
	Description string `json:"description,omitempty"`
}

// Handler implements the edit feature.
type Handler struct {
	flow   *imageflow.Flow
	images imageapi.Client
	logger *logger.Logger
}

var _ bot.Feature = (*Handler)(nil)

// NewHandler creates the edit feature. cost is charged per edit.
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
			LoadingSeconds: config.EditLoadingSeconds,
		},
		images: images,
		logger: deps.Logger,
	}
}

// Name returns the module name.
func (h *Handler) Name() string { return ModuleName }

// CanHandle accepts the entry and cancel commands, and any text while the
// user is in an edit dialogue. Free text in waiting_description is the
// edit prompt.
func (h *Handler) CanHandle(_ context.Context, text string, sess *session.Session) bool {
	return text == bot.CmdEdit || text == bot.CmdCancel || sess.OwnedBy(ModuleName)
}

// HandleText drives the dialogue.
func (h *Handler) HandleText(ctx context.Context, ev *bot.Event) (*gateway.Echo, error) {
	sess := ev.Session
	processing := sess.Is(ModuleName, session.StateProcessing)

	switch {
	case ev.Command == bot.CmdEdit && !processing:
		name := h.flow.DisplayName(ctx, ev.UserID)
		return h.flow.Enter(ctx, ev, entryText(name, h.flow.CostLine("讓您的圖片煥然一新！")))
	case ev.Command == bot.CmdCancel:
		return h.flow.Cancel(ctx, ev, cancelledText)
	case processing:
		return h.flow.ReplyText(ctx, ev, imageflow.ProcessingText)
	case sess.Is(ModuleName, session.StateWaitingImage):
		return h.flow.ReplyText(ctx, ev, imageflow.NeedImageText)
	case sess.Is(ModuleName, session.StateWaitingDescription):
		return h.describe(ctx, ev)
	}
	return nil, nil
}

// HandleImage stores the photo and asks for a description. Only the
// waiting_image state accepts a photo; any other is dropped silently.
func (h *Handler) HandleImage(ctx context.Context, ev *bot.Event) (*gateway.Echo, error) {
	if !ev.Session.Is(ModuleName, session.StateWaitingImage) {
		return nil, nil
	}

	img, err := h.flow.FetchImage(ctx, ev)
	if err != nil {
		h.logger.WithError(err).WarnContext(ctx, "Failed to download image")
		return h.flow.ReplyText(ctx, ev, imageflow.ImageFetchFailText)
	}
	if err := session.Transition(ctx, h.flow.Store, ev.UserID, ModuleName, session.StateWaitingDescription, payload{Image: img}); err != nil {
		return nil, err
	}

	name := h.flow.DisplayName(ctx, ev.UserID)
	return h.flow.Reply(ctx, ev, lineutil.NewTextMessageWithQuickReply(promptText(name), lineutil.QuickReplyCancelAction()))
}

func (h *Handler) describe(ctx context.Context, ev *bot.Event) (*gateway.Echo, error) {
	desc := lineutil.TruncateRunes(strings.TrimSpace(ev.Text), MaxDescriptionRunes)
	if desc == "" {
		return h.flow.ReplyText(ctx, ev, emptyDescText)
	}

	var p payload
	if err := ev.Session.Decode(&p); err != nil || len(p.Image) == 0 {
		h.logger.WarnContext(ctx, "Edit session has no image", "error", errors.Join(err, domerrors.ErrSessionMissing))
		if err := h.flow.Store.Clear(ctx, ev.UserID); err != nil {
			return nil, err
		}
		return h.flow.ReplyText(ctx, ev, missingImageText)
	}
	p.Description = desc

	name := h.flow.DisplayName(ctx, ev.UserID)
	h.logger.InfoContext(ctx, "Starting edit job",
		"bytes", len(p.Image),
		"description_length", len([]rune(desc)),
		"provider", h.images.Provider(),
	)
	img := p.Image
	return h.flow.Start(ctx, ev, p, ackText(name, desc),
		func(ctx context.Context) (string, error) {
			return h.images.Edit(ctx, img, desc)
		},
		explain,
	)
}

func explain(err error) string {
	if text, ok := imageflow.Explain(err); ok {
		return text
	}
	switch {
	case errors.Is(err, imageapi.ErrModelNotFound):
		return modelNotFound
	case errors.Is(err, imageapi.ErrInvalidInput):
		return invalidInput
	}
	return failurePrefix + err.Error()
}

func entryText(name, costLine string) string {
	return fmt.Sprintf("%s 你好！✨\n🎨 圖片編輯功能\n\n%s\n\n請先上傳一張您想要編輯的圖片，然後我會請您描述想要的編輯效果 🖼️", name, costLine)
}

func promptText(name string) string {
	return name + "，我已經收到您的圖片了！📷✨\n\n" +
		"請告訴我您希望如何編輯這張圖片？例如：\n" +
		"• 將背景改成海灘\n" +
		"• 把天空變成夕陽\n" +
		"• 添加彩虹效果\n" +
		"• 讓人物穿上紅色衣服\n\n" +
		"請輸入您的編輯描述："
}

func ackText(name, desc string) string {
	return fmt.Sprintf("%s，我已經收到您的編輯需求！🎨\n\n編輯描述：「%s」\n\n正在為您精心處理中，請稍候片刻 ✨", name, desc)
}
