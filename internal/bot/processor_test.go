package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/config"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/gateway/gatewaytest"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/ratelimit"
	"github.com/garyellow/linebot-imagelab/internal/session/sessiontest"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type welcomeFeature struct {
	stubFeature
	followed []string
}

func (f *welcomeFeature) HandleFollow(_ context.Context, ev *Event) (*gateway.Echo, error) {
	f.followed = append(f.followed, ev.UserID)
	return nil, nil
}

type processorFixture struct {
	proc  *Processor
	gw    *gatewaytest.Fake
	store *sessiontest.Store
	menu  *stubFeature
	greet *welcomeFeature
}

func newProcessorFixture(t *testing.T, limiter *ratelimit.KeyedLimiter) *processorFixture {
	t.Helper()
	fx := &processorFixture{
		gw:    gatewaytest.New(),
		store: sessiontest.New(),
		menu:  &stubFeature{name: "menu", commands: MenuCommands},
		greet: &welcomeFeature{stubFeature: stubFeature{name: "member"}},
	}
	reg := NewRegistry().MustRegister(fx.menu, fx.greet)
	log := logger.New("error")
	botCfg := config.DefaultBotConfig()
	fx.proc = NewProcessor(ProcessorConfig{
		Router:      NewRouter(reg, fx.store, log, nil),
		Registry:    reg,
		Gateway:     fx.gw,
		UserLimiter: limiter,
		Logger:      log,
		BotConfig:   &botCfg,
	})
	return fx
}

func textEvent(userID, text string) webhook.MessageEvent {
	return webhook.MessageEvent{
		Source:     webhook.UserSource{UserId: userID},
		ReplyToken: "reply-token-0123456789",
		Message:    webhook.TextMessageContent{Id: "m-text", Text: text},
	}
}

func TestProcessor_RoutesNormalizedText(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, nil)
	_, err := fx.proc.ProcessMessage(context.Background(), textEvent(testUser, " ！功能 "))
	require.NoError(t, err)
	assert.Equal(t, []string{CmdMenu}, fx.menu.texts())
}

func TestProcessor_ReturnsFeatureEcho(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, nil)
	want := &gateway.Echo{Status: gateway.EchoStatus, UserID: testUser}
	fx.menu.onText = func(context.Context, *Event) (*gateway.Echo, error) { return want, nil }

	echo, err := fx.proc.ProcessMessage(context.Background(), textEvent(testUser, CmdHelp))
	require.NoError(t, err)
	assert.Same(t, want, echo)
}

func TestProcessor_FeatureErrorSendsApology(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, nil)
	fx.menu.onText = func(context.Context, *Event) (*gateway.Echo, error) {
		return nil, errors.New("template broken")
	}

	_, err := fx.proc.ProcessMessage(context.Background(), textEvent(testUser, CmdHelp))
	require.Error(t, err)

	replies := fx.gw.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, []string{lineutil.ErrorMessage().Text}, replies[0].Texts())
}

func TestProcessor_FeaturePanicDoesNotEscape(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, nil)
	fx.menu.onText = func(context.Context, *Event) (*gateway.Echo, error) { panic("boom") }

	assert.NotPanics(t, func() {
		_, err := fx.proc.ProcessMessage(context.Background(), textEvent(testUser, CmdHelp))
		assert.Error(t, err)
	})
}

func TestProcessor_RateLimit(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewKeyedLimiter(ratelimit.KeyedConfig{Name: "user", Burst: 1, RefillRate: 0.001})
	t.Cleanup(limiter.Stop)
	fx := newProcessorFixture(t, limiter)

	_, err := fx.proc.ProcessMessage(context.Background(), textEvent(testUser, CmdHelp))
	require.NoError(t, err)
	_, err = fx.proc.ProcessMessage(context.Background(), textEvent(testUser, CmdHelp))
	require.NoError(t, err)

	assert.Len(t, fx.menu.texts(), 1)
	replies := fx.gw.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, []string{RateLimitedText}, replies[0].Texts())
}

func TestProcessor_RateLimitIsPerUserInGroups(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewKeyedLimiter(ratelimit.KeyedConfig{Name: "user", Burst: 1, RefillRate: 0.001})
	t.Cleanup(limiter.Stop)
	fx := newProcessorFixture(t, limiter)

	groupText := func(userID string) webhook.MessageEvent {
		return webhook.MessageEvent{
			Source:     webhook.GroupSource{GroupId: "C1", UserId: userID},
			ReplyToken: "reply-token-0123456789",
			Message:    webhook.TextMessageContent{Id: "m1", Text: CmdHelp},
		}
	}

	for _, user := range []string{"U1", "U2", "U1"} {
		_, err := fx.proc.ProcessMessage(context.Background(), groupText(user))
		require.NoError(t, err)
	}

	// U1's second message is dropped without a reply; U2 has its own bucket.
	assert.Len(t, fx.menu.texts(), 2)
	for _, r := range fx.gw.Replies() {
		assert.NotEqual(t, []string{RateLimitedText}, r.Texts())
	}
}

func TestProcessor_IgnoresUnsupportedMessages(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, nil)
	ev := webhook.MessageEvent{
		Source:     webhook.UserSource{UserId: testUser},
		ReplyToken: "reply-token-0123456789",
		Message:    webhook.StickerMessageContent{Id: "s1", PackageId: "1", StickerId: "1"},
	}
	echo, err := fx.proc.ProcessMessage(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, echo)
	assert.Empty(t, fx.gw.Sent())

	// No user id, nothing to route on.
	echo, err = fx.proc.ProcessMessage(context.Background(), textEvent("", CmdHelp))
	require.NoError(t, err)
	assert.Nil(t, echo)
	assert.Empty(t, fx.menu.texts())
}

func TestProcessor_ImageWithoutSessionIsDropped(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, nil)
	ev := webhook.MessageEvent{
		Source:     webhook.UserSource{UserId: testUser},
		ReplyToken: "reply-token-0123456789",
		Message:    webhook.ImageMessageContent{Id: "img-1"},
	}
	echo, err := fx.proc.ProcessMessage(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, echo)
	assert.Equal(t, 1, fx.menu.images())
	assert.Empty(t, fx.gw.Sent())
}

func TestProcessor_FollowUsesFollowHandler(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, nil)
	_, err := fx.proc.ProcessFollow(context.Background(), webhook.FollowEvent{
		Source:     webhook.UserSource{UserId: testUser},
		ReplyToken: "reply-token-0123456789",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{testUser}, fx.greet.followed)
}

func TestProcessor_UsesWebhookTimeout(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, nil)
	fx.proc.webhookTimeout = 50 * time.Millisecond
	var deadline time.Time
	fx.menu.onText = func(ctx context.Context, _ *Event) (*gateway.Echo, error) {
		deadline, _ = ctx.Deadline()
		return nil, nil
	}

	_, err := fx.proc.ProcessMessage(context.Background(), textEvent(testUser, CmdHelp))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)
}
