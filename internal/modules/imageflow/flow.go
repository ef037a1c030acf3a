// Package imageflow holds the steps shared by the image features: charging
// points, acquiring the processing session, acknowledging, and handing the
// slow call to the job runner.
package imageflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/garyellow/linebot-imagelab/internal/bot"
	"github.com/garyellow/linebot-imagelab/internal/config"
	domerrors "github.com/garyellow/linebot-imagelab/internal/errors"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/jobs"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/garyellow/linebot-imagelab/internal/storage"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// User-facing texts shared by the image features.
const (
	JobErrorPrefix     = "處理圖片時發生錯誤: "
	ProcessingText     = "您的圖片正在處理中，完成後會立即傳送給您，請稍候 🌟"
	CannotCancelText   = "圖片正在處理中，無法取消，完成後會傳送給您。"
	NoActiveFlowText   = "目前沒有進行中的圖片流程。"
	NeedImageText      = "請上傳一張圖片，或輸入「取消」結束。"
	AccountBlockedText = "⚠️ 您的會員狀態目前無法使用此功能，請聯絡管理員。"
	ImageFetchFailText = "❌ 無法讀取您上傳的圖片，請再傳一次。"
	InsufficientCredit = "Replicate 點數不足，請前往 https://replicate.com/account/billing#billing 購買點數"
	insufficientPoints = "💎 點數不足！此功能需要 %d 點，您目前有 %d 點。\n\n輸入「點數」查看點數"
)

// Submitter starts background jobs.
type Submitter interface {
	Submit(ctx context.Context, job jobs.Job) (string, error)
}

// Deps are the collaborators of an image feature.
type Deps struct {
	Gateway gateway.Gateway
	Store   session.Store
	Ledger  storage.Ledger // nil disables charging
	Jobs    Submitter
	Logger  *logger.Logger
}

// Flow runs the shared steps for one feature.
type Flow struct {
	Deps

	Feature        string
	Label          string // shown in ledger descriptions, e.g. "圖片彩色化"
	Cost           int64
	LoadingSeconds int
}

// DisplayName returns the user's name for greetings.
func (f *Flow) DisplayName(ctx context.Context, userID string) string {
	return bot.DisplayName(ctx, f.Gateway, userID, storage.DefaultDisplayName)
}

// Reply answers ev with msgs. A missing reply token sends nothing.
func (f *Flow) Reply(ctx context.Context, ev *bot.Event, msgs ...messaging_api.MessageInterface) (*gateway.Echo, error) {
	if ev.ReplyToken == "" {
		return nil, nil
	}
	echo, err := f.Gateway.Reply(ctx, ev.ReplyToken, ev.Target, msgs...)
	if err != nil {
		return nil, fmt.Errorf("%s reply: %w", f.Feature, err)
	}
	return echo, nil
}

// ReplyText answers ev with a single text message.
func (f *Flow) ReplyText(ctx context.Context, ev *bot.Event, text string) (*gateway.Echo, error) {
	return f.Reply(ctx, ev, lineutil.NewTextMessage(text))
}

// CostLine describes the price of the feature for the entry message.
func (f *Flow) CostLine(tail string) string {
	if f.Cost <= 0 || f.Ledger == nil {
		return "💎 此功能目前免費使用，" + tail
	}
	return fmt.Sprintf("💎 此功能會消耗 %d 點點數，%s", f.Cost, tail)
}

// Enter moves the user into waiting_image after checking they can pay.
// When they cannot, the reason is replied and no session is written.
func (f *Flow) Enter(ctx context.Context, ev *bot.Event, greeting string) (*gateway.Echo, error) {
	if msg, err := f.precheck(ctx, ev.UserID); err != nil {
		return nil, err
	} else if msg != "" {
		return f.ReplyText(ctx, ev, msg)
	}
	if err := session.Transition(ctx, f.Store, ev.UserID, f.Feature, session.StateWaitingImage, nil); err != nil {
		return nil, err
	}
	return f.Reply(ctx, ev, lineutil.NewTextMessageWithQuickReply(greeting, lineutil.QuickReplyCancelAction()))
}

// Cancel ends a waiting dialogue. Processing sessions cannot be cancelled.
func (f *Flow) Cancel(ctx context.Context, ev *bot.Event, cancelledText string) (*gateway.Echo, error) {
	sess := ev.Session
	switch {
	case !sess.OwnedBy(f.Feature):
		return f.ReplyText(ctx, ev, NoActiveFlowText)
	case sess.State == session.StateProcessing:
		return f.ReplyText(ctx, ev, CannotCancelText)
	}
	if err := f.Store.Clear(ctx, ev.UserID); err != nil {
		return nil, err
	}
	return f.ReplyText(ctx, ev, cancelledText)
}

// FetchImage downloads the image of ev from LINE.
func (f *Flow) FetchImage(ctx context.Context, ev *bot.Event) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, config.ImageDownload)
	defer cancel()
	data, err := f.Gateway.ImageContent(ctx, ev.MessageID)
	if err != nil {
		return nil, fmt.Errorf("download image %s: %w", ev.MessageID, err)
	}
	return data, nil
}

// Start charges the user, moves them into processing with payload, sends the
// acknowledgment and only then submits run as a background job.
//
// run returns the URL of the produced image. translate turns its error into
// the text that follows JobErrorPrefix.
func (f *Flow) Start(ctx context.Context, ev *bot.Event, payload any, ack string,
	run func(ctx context.Context) (string, error), translate func(error) string,
) (echo *gateway.Echo, err error) {
	refund, msg, err := f.charge(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		if err := f.Store.Clear(ctx, ev.UserID); err != nil {
			return nil, err
		}
		return f.ReplyText(ctx, ev, msg)
	}

	// Until the runner owns the job, any failure or panic gives the points back.
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		rec := recover()
		if rec != nil || err != nil {
			refund(context.WithoutCancel(ctx))
		}
		if rec != nil {
			panic(rec)
		}
	}()

	if err := session.Transition(ctx, f.Store, ev.UserID, f.Feature, session.StateProcessing, payload); err != nil {
		return nil, err
	}

	echo, replyErr := f.ReplyText(ctx, ev, ack)
	if replyErr != nil {
		// The job still runs; its push does not need the reply token.
		f.Logger.WithError(replyErr).WarnContext(ctx, "Acknowledgment reply failed", "feature", f.Feature)
	}
	if f.LoadingSeconds > 0 && ev.Target.IsUser() {
		if err := f.Gateway.StartLoading(ctx, ev.Target.ID, f.LoadingSeconds); err != nil {
			f.Logger.WithError(err).DebugContext(ctx, "Failed to show loading animation")
		}
	}

	_, err = f.Jobs.Submit(ctx, jobs.Job{
		UserID:  ev.UserID,
		Target:  ev.Target,
		Feature: f.Feature,
		Run: func(ctx context.Context) ([]messaging_api.MessageInterface, error) {
			url, err := run(ctx)
			if err != nil {
				return nil, domerrors.Step(f.Feature, "generate_image", err, translate(err))
			}
			return []messaging_api.MessageInterface{lineutil.NewImageMessage(url, url)}, nil
		},
		OnError: func(err error) string {
			if text, ok := domerrors.UserText(err); ok {
				return JobErrorPrefix + text
			}
			return JobErrorPrefix + translate(err)
		},
		Refund: refund,
	})
	if err != nil && !errors.Is(err, jobs.ErrShutdown) {
		return echo, err
	}
	// A rejected job was refunded by the runner.
	handedOff = true
	return echo, nil
}

// precheck returns a refusal message when the user cannot pay for the
// feature right now.
func (f *Flow) precheck(ctx context.Context, userID string) (string, error) {
	if f.Cost <= 0 || f.Ledger == nil {
		return "", nil
	}
	m, err := f.member(ctx, userID)
	if err != nil {
		return "", err
	}
	if !m.CanSpend() {
		return AccountBlockedText, nil
	}
	if m.Points < f.Cost {
		return fmt.Sprintf(insufficientPoints, f.Cost, m.Points), nil
	}
	return "", nil
}

// charge debits the feature cost. A refusal is returned as msg. The returned
// refund is never nil and credits the cost back at most once.
func (f *Flow) charge(ctx context.Context, userID string) (refund func(context.Context), msg string, err error) {
	noop := func(context.Context) {}
	if f.Cost <= 0 || f.Ledger == nil {
		return noop, "", nil
	}
	m, err := f.member(ctx, userID)
	if err != nil {
		return noop, "", err
	}
	if !m.CanSpend() {
		return noop, AccountBlockedText, nil
	}
	if _, err := f.Ledger.DeductPoints(ctx, userID, f.Cost, storage.TxSpend, f.Label); err != nil {
		if errors.Is(err, storage.ErrInsufficientPoints) {
			return noop, fmt.Sprintf(insufficientPoints, f.Cost, m.Points), nil
		}
		return noop, "", fmt.Errorf("charge %s: %w", f.Feature, err)
	}

	refunded := false
	return func(ctx context.Context) {
		if refunded {
			return
		}
		refunded = true
		if _, err := f.Ledger.AddPoints(ctx, userID, f.Cost, storage.TxRefund, f.Label+"失敗退還"); err != nil {
			f.Logger.WithError(err).ErrorContext(ctx, "Failed to refund points", "feature", f.Feature, "points", f.Cost)
		}
	}, "", nil
}

func (f *Flow) member(ctx context.Context, userID string) (*storage.Member, error) {
	p := storage.MemberProfile{UserID: userID}
	if prof, err := f.Gateway.Profile(ctx, userID); err == nil && prof != nil {
		p.DisplayName, p.PictureURL = prof.DisplayName, prof.PictureURL
	}
	m, _, err := f.Ledger.GetOrCreateMember(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("load member: %w", err)
	}
	return m, nil
}
