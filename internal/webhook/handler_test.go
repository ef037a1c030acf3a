package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/ctxutil"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test_channel_secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingProcessor struct {
	mu         sync.Mutex
	texts      []string
	follows    []string
	requestIDs []string
	block      chan struct{}
	panicOn    string
}

func (p *recordingProcessor) ProcessMessage(ctx context.Context, e webhook.MessageEvent) (*gateway.Echo, error) {
	if p.block != nil {
		<-p.block
	}
	text := ""
	if m, ok := e.Message.(webhook.TextMessageContent); ok {
		text = m.Text
	}
	if text == p.panicOn && text != "" {
		panic("processor exploded")
	}
	id, _ := ctxutil.GetRequestID(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	p.requestIDs = append(p.requestIDs, id)
	return nil, nil
}

func (p *recordingProcessor) ProcessFollow(_ context.Context, e webhook.FollowEvent) (*gateway.Echo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := e.Source.(webhook.UserSource); ok {
		p.follows = append(p.follows, s.UserId)
	}
	return &gateway.Echo{Status: gateway.EchoStatus}, nil
}

func (p *recordingProcessor) snapshot() (texts, follows, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...), append([]string(nil), p.follows...), append([]string(nil), p.requestIDs...)
}

func setupTestHandler(t *testing.T, maxEvents int) (*Handler, *recordingProcessor) {
	t.Helper()
	proc := &recordingProcessor{}
	h, err := NewHandler(HandlerConfig{
		ChannelSecret:       testSecret,
		Processor:           proc,
		MaxEventsPerWebhook: maxEvents,
		Metrics:             metrics.New(prometheus.NewRegistry()),
		Logger:              logger.New("error"),
	})
	require.NoError(t, err)
	return h, proc
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func textEventJSON(id, text string) string {
	return fmt.Sprintf(`{
		"type": "message",
		"mode": "active",
		"timestamp": 1700000000000,
		"source": {"type": "user", "userId": "U0123456789abcdef"},
		"webhookEventId": %q,
		"deliveryContext": {"isRedelivery": false},
		"replyToken": "reply-token-0123456789",
		"message": {"type": "text", "id": "m-%s", "quoteToken": "q", "text": %q}
	}`, id, id, text)
}

func followEventJSON(id string) string {
	return fmt.Sprintf(`{
		"type": "follow",
		"mode": "active",
		"timestamp": 1700000000000,
		"source": {"type": "user", "userId": "U0123456789abcdef"},
		"webhookEventId": %q,
		"deliveryContext": {"isRedelivery": false},
		"replyToken": "reply-token-0123456789",
		"follow": {"isUnblocked": false}
	}`, id)
}

func callback(events ...string) []byte {
	return []byte(`{"destination": "Ubot", "events": [` + strings.Join(events, ",") + `]}`)
}

func post(h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	router := gin.New()
	router.POST("/webhook", h.Handle)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Line-Signature", signature)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func waitHandler(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
}

func TestNewHandler_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(HandlerConfig{Processor: &recordingProcessor{}})
	assert.Error(t, err)
	_, err = NewHandler(HandlerConfig{ChannelSecret: testSecret})
	assert.Error(t, err)

	h, err := NewHandler(HandlerConfig{ChannelSecret: testSecret, Processor: &recordingProcessor{}})
	require.NoError(t, err)
	assert.Equal(t, 100, h.maxEventsPerWebhook)
}

func TestHandle_InvalidSignature(t *testing.T) {
	t.Parallel()

	h, proc := setupTestHandler(t, 10)
	body := callback(textEventJSON("e1", "使用說明"))

	w := post(h, body, "bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	waitHandler(t, h)
	texts, _, _ := proc.snapshot()
	assert.Empty(t, texts)
}

func TestHandle_DispatchesEvents(t *testing.T) {
	t.Parallel()

	h, proc := setupTestHandler(t, 10)
	body := callback(textEventJSON("e1", "使用說明"), followEventJSON("e2"), textEventJSON("e3", "點數"))

	w := post(h, body, sign(body))
	assert.Equal(t, http.StatusOK, w.Code)
	waitHandler(t, h)

	texts, follows, ids := proc.snapshot()
	assert.Equal(t, []string{"使用說明", "點數"}, texts, "events keep their order")
	assert.Equal(t, []string{"U0123456789abcdef"}, follows)
	assert.Equal(t, []string{"e1", "e3"}, ids)
}

func TestHandle_RespondsBeforeProcessing(t *testing.T) {
	t.Parallel()

	h, proc := setupTestHandler(t, 10)
	proc.block = make(chan struct{})
	body := callback(textEventJSON("e1", "功能"))

	w := post(h, body, sign(body))
	assert.Equal(t, http.StatusOK, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Shutdown(ctx), context.DeadlineExceeded)

	close(proc.block)
	waitHandler(t, h)
	texts, _, _ := proc.snapshot()
	assert.Equal(t, []string{"功能"}, texts)
}

func TestHandle_TruncatesLargeBatch(t *testing.T) {
	t.Parallel()

	h, proc := setupTestHandler(t, 2)
	body := callback(textEventJSON("e1", "a"), textEventJSON("e2", "b"), textEventJSON("e3", "c"))

	w := post(h, body, sign(body))
	assert.Equal(t, http.StatusOK, w.Code)
	waitHandler(t, h)

	texts, _, _ := proc.snapshot()
	assert.Equal(t, []string{"a", "b"}, texts)
}

func TestHandle_PanicDoesNotEscape(t *testing.T) {
	t.Parallel()

	h, proc := setupTestHandler(t, 10)
	proc.panicOn = "boom"
	body := callback(textEventJSON("e1", "boom"))

	w := post(h, body, sign(body))
	assert.Equal(t, http.StatusOK, w.Code)
	waitHandler(t, h)
}
