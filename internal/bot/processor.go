package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/config"
	"github.com/garyellow/linebot-imagelab/internal/ctxutil"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/garyellow/linebot-imagelab/internal/ratelimit"
	"github.com/garyellow/linebot-imagelab/internal/sentry"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// RateLimitedText is replied in personal chats when a user sends too fast.
const RateLimitedText = "⏳ 訊息過於頻繁，請稍後再試"

// maxTextLength is the LINE limit for inbound text messages.
const maxTextLength = 5000

// Processor turns webhook events into routed feature calls. It applies the
// per-user rate limit, bounds each event with the webhook timeout and makes
// sure no feature failure escapes to the webhook handler.
type Processor struct {
	router      *Router
	registry    *Registry
	gateway     gateway.Gateway
	userLimiter *ratelimit.KeyedLimiter
	logger      *logger.Logger
	metrics     *metrics.Metrics

	webhookTimeout time.Duration
}

// ProcessorConfig holds configuration for creating a new Processor.
type ProcessorConfig struct {
	Router      *Router
	Registry    *Registry
	Gateway     gateway.Gateway
	UserLimiter *ratelimit.KeyedLimiter // nil disables rate limiting
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
	BotConfig   *config.BotConfig
}

// NewProcessor creates a new event processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	log := cfg.Logger
	if log == nil {
		log = logger.New("info")
	}
	timeout := config.WebhookProcessing
	if cfg.BotConfig != nil && cfg.BotConfig.WebhookTimeout > 0 {
		timeout = cfg.BotConfig.WebhookTimeout
	}
	return &Processor{
		router:         cfg.Router,
		registry:       cfg.Registry,
		gateway:        cfg.Gateway,
		userLimiter:    cfg.UserLimiter,
		logger:         log.WithModule("processor"),
		metrics:        cfg.Metrics,
		webhookTimeout: timeout,
	}
}

// ProcessMessage handles a text or image message event. Other message types
// are ignored. The returned Echo is non-nil when the reply was skipped by the
// gateway; an error means a feature failed and an apology was attempted.
func (p *Processor) ProcessMessage(ctx context.Context, event webhook.MessageEvent) (*gateway.Echo, error) {
	target := TargetFor(event.Source)
	if target.UserID == "" {
		// Without a user there is no session to route on.
		p.logger.DebugContext(ctx, "Message without user id ignored")
		return nil, nil
	}

	ctx = ctxutil.WithUserID(ctx, target.UserID)
	ctx = ctxutil.WithChatID(ctx, target.ID)

	ev := &Event{
		UserID:     target.UserID,
		Target:     target,
		ReplyToken: event.ReplyToken,
	}

	var route func(context.Context, *Event) (*gateway.Echo, error)
	switch msg := event.Message.(type) {
	case webhook.TextMessageContent:
		if msg.Text == "" {
			return nil, nil
		}
		if len([]rune(msg.Text)) > maxTextLength {
			p.logger.WarnContext(ctx, "Text message too long", "length", len([]rune(msg.Text)))
			return nil, nil
		}
		ev.MessageID = msg.Id
		ev.Text = msg.Text
		ev.Command = NormalizeCommand(msg.Text)
		route = p.router.RouteText
	case webhook.ImageMessageContent:
		ev.MessageID = msg.Id
		route = p.router.RouteImage
	default:
		p.logger.DebugContext(ctx, "Unsupported message type", "type", event.Message.GetType())
		return nil, nil
	}
	ctx = ctxutil.WithMessageID(ctx, ev.MessageID)

	if p.userLimiter != nil && !p.userLimiter.Allow(target.UserID) {
		p.logger.WarnContext(ctx, "User rate limit exceeded")
		if ev.Target.IsUser() {
			return p.reply(ctx, ev, lineutil.NewTextMessage(RateLimitedText))
		}
		return nil, nil
	}

	processCtx, cancel := context.WithTimeout(ctx, p.webhookTimeout)
	defer cancel()

	echo, err := route(processCtx, ev)
	if err != nil {
		return p.fail(ctx, ev, err)
	}
	return echo, nil
}

// ProcessFollow bootstraps a new follower through the registered
// FollowHandler, if any.
func (p *Processor) ProcessFollow(ctx context.Context, event webhook.FollowEvent) (echo *gateway.Echo, err error) {
	target := TargetFor(event.Source)
	if target.UserID == "" {
		return nil, nil
	}
	ctx = ctxutil.WithUserID(ctx, target.UserID)
	ctx = ctxutil.WithChatID(ctx, target.ID)
	p.logger.InfoContext(ctx, "New user followed the bot")

	ev := &Event{UserID: target.UserID, Target: target, ReplyToken: event.ReplyToken}

	var handler FollowHandler
	for _, f := range p.registry.Features() {
		if h, ok := f.(FollowHandler); ok {
			handler = h
			break
		}
	}
	if handler == nil {
		return nil, nil
	}

	processCtx, cancel := context.WithTimeout(ctx, p.webhookTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			echo, err = nil, sentry.PanicError(ctx, rec)
		}
		if err != nil {
			p.logger.WithError(err).ErrorContext(ctx, "Failed to welcome new follower")
		}
	}()
	return handler.HandleFollow(processCtx, ev)
}

// fail logs and reports a feature error and tries to apologise.
func (p *Processor) fail(ctx context.Context, ev *Event, err error) (*gateway.Echo, error) {
	p.logger.WithError(err).ErrorContext(ctx, "Failed to handle message")
	sentry.CaptureError(ctx, err)

	echo, replyErr := p.reply(ctx, ev, lineutil.ErrorMessage())
	if replyErr != nil {
		p.logger.WithError(replyErr).DebugContext(ctx, "Apology reply failed")
	}
	return echo, err
}

func (p *Processor) reply(ctx context.Context, ev *Event, msgs ...messaging_api.MessageInterface) (*gateway.Echo, error) {
	if ev.ReplyToken == "" {
		return nil, nil
	}
	echo, err := p.gateway.Reply(ctx, ev.ReplyToken, ev.Target, msgs...)
	if err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}
	return echo, nil
}
