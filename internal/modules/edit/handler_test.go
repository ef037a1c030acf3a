package edit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/bot"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/gateway/gatewaytest"
	"github.com/garyellow/linebot-imagelab/internal/imageapi"
	"github.com/garyellow/linebot-imagelab/internal/imageapi/imageapitest"
	"github.com/garyellow/linebot-imagelab/internal/jobs"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/modules/imageflow"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/garyellow/linebot-imagelab/internal/session/sessiontest"
	"github.com/garyellow/linebot-imagelab/internal/storage"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser  = "U0123456789abcdef"
	outputURL = "https://cdn.example.com/edited.jpg"
)

type fixture struct {
	router *bot.Router
	gw     *gatewaytest.Fake
	store  *sessiontest.Store
	db     *storage.DB
	images *imageapitest.Fake
	runner *jobs.Runner
}

func newFixture(t *testing.T, cost int64) *fixture {
	t.Helper()

	db, err := storage.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fx := &fixture{
		gw:     gatewaytest.New(),
		store:  sessiontest.New(),
		db:     db,
		images: imageapitest.New(outputURL),
	}
	fx.gw.Profiles[testUser] = &gateway.Profile{UserID: testUser, DisplayName: "阿華"}

	log := logger.New("error")
	fx.runner = jobs.New(jobs.Config{
		Store:       fx.store,
		Gateway:     fx.gw,
		Timeout:     2 * time.Second,
		Concurrency: 2,
		Logger:      log,
	})
	h := NewHandler(imageflow.Deps{
		Gateway: fx.gw,
		Store:   fx.store,
		Ledger:  db,
		Jobs:    fx.runner,
		Logger:  log,
	}, fx.images, cost)
	fx.router = bot.NewRouter(bot.NewRegistry().MustRegister(h), fx.store, log, nil)

	_, _, err = db.GetOrCreateMember(context.Background(), storage.MemberProfile{UserID: testUser})
	require.NoError(t, err)
	return fx
}

func (fx *fixture) credit(t *testing.T, points int64) {
	t.Helper()
	_, err := fx.db.AddPoints(context.Background(), testUser, points, storage.TxAdminAdd, "seed")
	require.NoError(t, err)
}

func (fx *fixture) text(t *testing.T, text string) {
	t.Helper()
	_, err := fx.router.RouteText(context.Background(), &bot.Event{
		UserID:     testUser,
		Target:     gateway.UserTarget(testUser),
		ReplyToken: "reply-token-0123456789",
		Text:       text,
	})
	require.NoError(t, err)
}

func (fx *fixture) image(t *testing.T, messageID string) {
	t.Helper()
	_, err := fx.router.RouteImage(context.Background(), &bot.Event{
		UserID:     testUser,
		Target:     gateway.UserTarget(testUser),
		ReplyToken: "reply-token-0123456789",
		MessageID:  messageID,
	})
	require.NoError(t, err)
}

func (fx *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.runner.Shutdown(ctx))
}

func (fx *fixture) session(t *testing.T) *session.Session {
	t.Helper()
	sess, err := fx.store.Get(context.Background(), testUser)
	require.NoError(t, err)
	return sess
}

func (fx *fixture) lastReply(t *testing.T) string {
	t.Helper()
	replies := fx.gw.Replies()
	require.NotEmpty(t, replies)
	texts := replies[len(replies)-1].Texts()
	require.Len(t, texts, 1)
	return texts[0]
}

func TestEdit_HappyPath(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 2)
	fx.credit(t, 3)

	fx.text(t, bot.CmdEdit)
	assert.True(t, fx.session(t).Is(ModuleName, session.StateWaitingImage))
	assert.Contains(t, fx.lastReply(t), "此功能會消耗 2 點點數")

	fx.image(t, "m1")
	sess := fx.session(t)
	require.True(t, sess.Is(ModuleName, session.StateWaitingDescription))
	var p payload
	require.NoError(t, sess.Decode(&p))
	assert.Equal(t, []byte("jpeg-bytes-m1"), p.Image)
	assert.Equal(t, promptText("阿華"), fx.lastReply(t))

	// Descriptions are passed through untouched apart from trimming.
	fx.text(t, "  把天空變成夕陽  ")
	assert.Equal(t, ackText("阿華", "把天空變成夕陽"), fx.lastReply(t))
	fx.wait(t)

	calls := fx.images.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "edit", calls[0].Operation)
	assert.Equal(t, "把天空變成夕陽", calls[0].Prompt)
	assert.Equal(t, []byte("jpeg-bytes-m1"), calls[0].Image)

	pushes := fx.gw.Pushes()
	require.Len(t, pushes, 1)
	img, ok := pushes[0].Messages[0].(*messaging_api.ImageMessage)
	require.True(t, ok)
	assert.Equal(t, outputURL, img.OriginalContentUrl)

	assert.Nil(t, fx.session(t))
	m, err := fx.db.GetMember(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Points)
}

func TestEdit_ProcessingSessionCarriesDescription(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)
	gate := make(chan struct{})
	fx.images.Gate = gate

	fx.text(t, bot.CmdEdit)
	fx.image(t, "m1")
	fx.text(t, "添加彩虹效果")

	sess := fx.session(t)
	require.True(t, sess.Is(ModuleName, session.StateProcessing))
	var p payload
	require.NoError(t, sess.Decode(&p))
	assert.Equal(t, "添加彩虹效果", p.Description)
	assert.NotEmpty(t, p.Image)

	// More text while processing does not start a second job.
	fx.text(t, "好了嗎")
	assert.Equal(t, imageflow.ProcessingText, fx.lastReply(t))

	close(gate)
	fx.wait(t)
	assert.Len(t, fx.images.Calls(), 1)
	assert.Nil(t, fx.session(t))
}

func TestEdit_ErrorTexts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"credit", &imageapi.APIError{Provider: "replicate", StatusCode: 402, Kind: imageapi.ErrInsufficientCredit}, imageflow.InsufficientCredit},
		{"model", &imageapi.APIError{Provider: "replicate", StatusCode: 404, Kind: imageapi.ErrModelNotFound}, modelNotFound},
		{"input", &imageapi.APIError{Provider: "replicate", StatusCode: 422, Kind: imageapi.ErrInvalidInput}, invalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t, 1)
			fx.credit(t, 1)
			fx.images.Err = tt.err

			fx.text(t, bot.CmdEdit)
			fx.image(t, "m1")
			fx.text(t, "換成海灘背景")
			fx.wait(t)

			pushes := fx.gw.Pushes()
			require.Len(t, pushes, 1)
			assert.Equal(t, []string{imageflow.JobErrorPrefix + tt.want}, pushes[0].Texts())
			assert.Nil(t, fx.session(t))

			m, err := fx.db.GetMember(context.Background(), testUser)
			require.NoError(t, err)
			assert.Equal(t, int64(1), m.Points, "refunded")
		})
	}
}

func TestEdit_MissingImageClearsSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)
	fx.store.Put(session.Session{UserID: testUser, Feature: ModuleName, State: session.StateWaitingDescription, Data: []byte(`{}`)})

	fx.text(t, "改成黑白")
	assert.Equal(t, missingImageText, fx.lastReply(t))
	assert.Nil(t, fx.session(t))
	assert.Empty(t, fx.images.Calls())
}

func TestEdit_DescriptionIsCapped(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)
	fx.text(t, bot.CmdEdit)
	fx.image(t, "m1")
	fx.text(t, strings.Repeat("海", MaxDescriptionRunes+50))
	fx.wait(t)

	calls := fx.images.Calls()
	require.Len(t, calls, 1)
	assert.LessOrEqual(t, len([]rune(calls[0].Prompt)), MaxDescriptionRunes)
}

func TestEdit_WaitingImageRejectsText(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)
	fx.text(t, bot.CmdEdit)
	fx.text(t, "把背景換掉")

	assert.Equal(t, imageflow.NeedImageText, fx.lastReply(t))
	assert.True(t, fx.session(t).Is(ModuleName, session.StateWaitingImage))
}

func TestEdit_SecondImageIsIgnored(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)
	fx.text(t, bot.CmdEdit)
	fx.image(t, "m1")
	sent := len(fx.gw.Sent())
	fx.image(t, "m2")

	assert.Len(t, fx.gw.Sent(), sent)
	sess := fx.session(t)
	assert.True(t, sess.Is(ModuleName, session.StateWaitingDescription))
	var p payload
	require.NoError(t, sess.Decode(&p))
	assert.Equal(t, []byte("jpeg-bytes-m1"), p.Image)
}

func TestEdit_CancelWhileWaitingForDescription(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)
	fx.text(t, bot.CmdEdit)
	fx.image(t, "m1")
	fx.text(t, bot.CmdCancel)

	assert.Equal(t, cancelledText, fx.lastReply(t))
	assert.Nil(t, fx.session(t))
	assert.Empty(t, fx.images.Calls())
}

func TestEdit_ImageWithoutSessionIsDropped(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 0)
	fx.image(t, "m1")

	assert.Empty(t, fx.gw.Sent())
	assert.Nil(t, fx.session(t))
}
