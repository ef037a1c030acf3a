package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// maxImageBytes caps downloaded message content.
	maxImageBytes = 10 << 20

	minLoadingSeconds = 5
	maxLoadingSeconds = 60
)

// Send modes reported to metrics.
const (
	modeLive  = "live"
	modeEcho  = "echo"
	modeError = "error"
)

// LINEConfig configures the LINE gateway.
type LINEConfig struct {
	ChannelToken string

	// Endpoint and BlobEndpoint override the API hosts (tests only).
	Endpoint     string
	BlobEndpoint string

	// Sandbox never sends anything; every reply and push returns an echo.
	Sandbox bool

	// Limiter throttles outbound API calls. Nil means unlimited.
	Limiter *rate.Limiter
	Metrics *metrics.Metrics
}

// LINE implements Gateway with the LINE Messaging API SDK.
type LINE struct {
	client  *messaging_api.MessagingApiAPI
	blob    *messaging_api.MessagingApiBlobAPI
	sandbox bool
	limiter *rate.Limiter
	metrics *metrics.Metrics
	sf      singleflight.Group
	now     func() time.Time
}

var _ Gateway = (*LINE)(nil)

const sandboxToken = "sandbox"

// NewLINE creates the LINE gateway.
func NewLINE(cfg LINEConfig) (*LINE, error) {
	token := cfg.ChannelToken
	if token == "" {
		if !cfg.Sandbox {
			return nil, errors.New("channel token is required")
		}
		// The SDK refuses an empty token; sandbox never reaches the API.
		token = sandboxToken
	}

	var apiOpts []messaging_api.MessagingApiAPIOption
	var blobOpts []messaging_api.MessagingApiBlobAPIOption
	if cfg.Endpoint != "" {
		apiOpts = append(apiOpts, messaging_api.WithEndpoint(cfg.Endpoint))
	}
	if cfg.BlobEndpoint != "" {
		blobOpts = append(blobOpts, messaging_api.WithBlobEndpoint(cfg.BlobEndpoint))
	}

	client, err := messaging_api.NewMessagingApiAPI(token, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("create messaging API client: %w", err)
	}
	blob, err := messaging_api.NewMessagingApiBlobAPI(token, blobOpts...)
	if err != nil {
		return nil, fmt.Errorf("create blob API client: %w", err)
	}

	return &LINE{
		client:  client,
		blob:    blob,
		sandbox: cfg.Sandbox,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Reply answers an event with its reply token.
func (g *LINE) Reply(ctx context.Context, replyToken string, target Target, msgs ...messaging_api.MessageInterface) (*Echo, error) {
	msgs = capMessages(ctx, msgs)
	if len(msgs) == 0 {
		return nil, nil
	}
	if echo := g.validate(ctx, target, msgs); echo != nil {
		g.metrics.RecordGateway("reply", modeEcho)
		return echo, nil
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	_, err := g.client.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   msgs,
	})
	if err != nil {
		g.metrics.RecordGateway("reply", modeError)
		return nil, fmt.Errorf("reply message: %w", err)
	}
	g.metrics.RecordGateway("reply", modeLive)
	return nil, nil
}

// Push sends messages without a reply token.
func (g *LINE) Push(ctx context.Context, target Target, msgs ...messaging_api.MessageInterface) (*Echo, error) {
	msgs = capMessages(ctx, msgs)
	if len(msgs) == 0 {
		return nil, nil
	}
	if echo := g.validate(ctx, target, msgs); echo != nil {
		g.metrics.RecordGateway("push", modeEcho)
		return echo, nil
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	// The retry key makes LINE drop duplicate deliveries of this request.
	_, err := g.client.PushMessage(&messaging_api.PushMessageRequest{
		To:       target.ID,
		Messages: msgs,
	}, uuid.NewString())
	if err != nil {
		g.metrics.RecordGateway("push", modeError)
		return nil, fmt.Errorf("push message: %w", err)
	}
	g.metrics.RecordGateway("push", modeLive)
	return nil, nil
}

// validate returns an echo when msgs must not be sent to target.
func (g *LINE) validate(ctx context.Context, target Target, msgs []messaging_api.MessageInterface) *Echo {
	userID := target.UserID
	if userID == "" {
		userID = target.ID
	}
	if g.sandbox {
		return NewEcho(userID, CodeSandboxMode, g.now(), msgs...)
	}
	if !target.IsUser() {
		return nil
	}

	if _, err := g.Profile(ctx, target.ID); err != nil {
		code := CodeNetworkError
		var perr *ProfileError
		if errors.As(err, &perr) {
			code = perr.Code
		}
		slog.WarnContext(ctx, "recipient validation failed, returning echo",
			"user_id", target.ID,
			"reason", code)
		return NewEcho(userID, code, g.now(), msgs...)
	}
	return nil
}

// Profile fetches a user profile. Concurrent lookups for the same user share
// one API call.
func (g *LINE) Profile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, &ProfileError{Code: CodeEmptyUserID, Err: ErrEmptyUserID}
	}

	v, err, shared := g.sf.Do(userID, func() (any, error) {
		if err := g.wait(ctx); err != nil {
			return nil, &ProfileError{Code: CodeNetworkError, Err: err}
		}
		res, profile, err := g.client.GetProfileWithHttpInfo(userID)
		if err != nil {
			status := 0
			if res != nil {
				status = res.StatusCode
			}
			return nil, &ProfileError{Code: codeForStatus(status), Status: status, Err: err}
		}
		if profile == nil {
			return nil, &ProfileError{Code: codeForStatus(0), Err: errors.New("empty profile response")}
		}
		return &Profile{
			UserID:      profile.UserId,
			DisplayName: profile.DisplayName,
			PictureURL:  profile.PictureUrl,
		}, nil
	})
	if shared {
		g.metrics.RecordSingleflightDedup("profile")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Profile), nil
}

// ImageContent downloads the binary content of an image message.
func (g *LINE) ImageContent(ctx context.Context, messageID string) ([]byte, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	res, err := g.blob.GetMessageContent(messageID)
	if err != nil {
		return nil, fmt.Errorf("get message content: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read message content: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("message content exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}

// StartLoading shows the loading animation in a one-on-one chat.
// seconds is clamped to 5-60 and rounded up to a multiple of 5.
func (g *LINE) StartLoading(ctx context.Context, chatID string, seconds int) error {
	if g.sandbox || chatID == "" {
		return nil
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, err := g.client.ShowLoadingAnimation(&messaging_api.ShowLoadingAnimationRequest{
		ChatId:         chatID,
		LoadingSeconds: int32(LoadingSeconds(seconds)),
	})
	if err != nil {
		return fmt.Errorf("show loading animation: %w", err)
	}
	return nil
}

// LoadingSeconds normalizes a loading animation length to what LINE accepts.
func LoadingSeconds(seconds int) int {
	seconds = max(minLoadingSeconds, min(maxLoadingSeconds, seconds))
	if r := seconds % 5; r != 0 {
		seconds += 5 - r
	}
	return seconds
}

func (g *LINE) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("outbound rate limit: %w", err)
	}
	return nil
}

// capMessages drops messages beyond the per-request limit.
func capMessages(ctx context.Context, msgs []messaging_api.MessageInterface) []messaging_api.MessageInterface {
	if len(msgs) > lineutil.MaxMessagesPerRequest {
		slog.WarnContext(ctx, "too many messages, truncating",
			"count", len(msgs),
			"max", lineutil.MaxMessagesPerRequest)
		return msgs[:lineutil.MaxMessagesPerRequest]
	}
	return msgs
}
