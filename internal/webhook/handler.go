// Package webhook receives LINE webhook callbacks, verifies them and hands
// each event to the bot processor in the background.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/ctxutil"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/garyellow/linebot-imagelab/internal/sentry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// Processor handles the event types the bot reacts to. *bot.Processor
// implements it.
type Processor interface {
	ProcessMessage(ctx context.Context, event webhook.MessageEvent) (*gateway.Echo, error)
	ProcessFollow(ctx context.Context, event webhook.FollowEvent) (*gateway.Echo, error)
}

// Handler handles LINE webhook requests.
type Handler struct {
	channelSecret string
	processor     Processor
	metrics       *metrics.Metrics
	logger        *logger.Logger
	wg            sync.WaitGroup // in-flight event batches

	maxEventsPerWebhook int
}

// HandlerConfig holds configuration for creating a new Handler.
type HandlerConfig struct {
	ChannelSecret       string
	Processor           Processor
	MaxEventsPerWebhook int
	Metrics             *metrics.Metrics
	Logger              *logger.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.ChannelSecret == "" {
		return nil, errors.New("channel secret is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("processor is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("info")
	}
	maxEvents := cfg.MaxEventsPerWebhook
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Handler{
		channelSecret:       cfg.ChannelSecret,
		processor:           cfg.Processor,
		metrics:             cfg.Metrics,
		logger:              log.WithModule("webhook"),
		maxEventsPerWebhook: maxEvents,
	}, nil
}

// Handle is the Gin handler for the webhook endpoint. It answers 200 as soon
// as the signature checks out and processes the events afterwards.
func (h *Handler) Handle(c *gin.Context) {
	cb, err := webhook.ParseRequest(h.channelSecret, c.Request)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			h.logger.Warn("Invalid webhook signature")
			h.metrics.RecordWebhook("batch", "invalid_signature", 0)
			c.Status(http.StatusBadRequest)
		} else {
			h.logger.WithError(err).Error("Failed to parse webhook request")
			h.metrics.RecordWebhook("batch", "parse_error", 0)
			c.Status(http.StatusInternalServerError)
		}
		return
	}

	c.Status(http.StatusOK)
	h.metrics.RecordWebhook("batch", "received", 0)

	if len(cb.Events) > h.maxEventsPerWebhook {
		h.logger.WithField("event_count", len(cb.Events)).
			WithField("limit", h.maxEventsPerWebhook).
			Warn("Too many events in webhook batch; truncating")
		cb.Events = cb.Events[:h.maxEventsPerWebhook]
	}

	// The request is done once we return; keep our own copy.
	events := make([]webhook.EventInterface, len(cb.Events))
	copy(events, cb.Events)

	h.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				err := sentry.PanicError(context.Background(), r)
				h.logger.WithError(err).Error("Panic in async event processing")
			}
		}()

		for _, event := range events {
			h.processEvent(context.Background(), event)
		}
	})
}

// processEvent dispatches one event and records its outcome.
func (h *Handler) processEvent(ctx context.Context, event webhook.EventInterface) {
	start := time.Now()

	eventID, redelivery := eventMeta(event)
	if eventID == "" {
		eventID = uuid.NewString()
	}
	ctx = ctxutil.WithRequestID(ctx, eventID)
	log := h.logger.WithRequestID(eventID)
	if redelivery {
		log = log.WithField("is_redelivery", true)
	}

	var (
		eventType string
		echo      *gateway.Echo
		err       error
	)
	switch e := event.(type) {
	case webhook.MessageEvent:
		eventType = "message"
		echo, err = h.processor.ProcessMessage(ctx, e)
	case webhook.FollowEvent:
		eventType = "follow"
		echo, err = h.processor.ProcessFollow(ctx, e)
	default:
		log.WithField("event_type", fmt.Sprintf("%T", e)).Debug("Unsupported event type")
		return
	}

	status := "success"
	if err != nil {
		status = "error"
		log.WithError(err).WithField("event_type", eventType).Error("Failed to handle event")
	}
	if echo != nil {
		status = "echo"
		if data, jerr := json.Marshal(echo); jerr == nil {
			log.DebugContext(ctx, "Sandbox echo", "echo", string(data))
		}
	}
	h.metrics.RecordWebhook(eventType, status, time.Since(start).Seconds())

	log.WithField("event_type", eventType).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Info("Event processed")
}

func eventMeta(event webhook.EventInterface) (id string, redelivery bool) {
	var dc *webhook.DeliveryContext
	switch e := event.(type) {
	case webhook.MessageEvent:
		id, dc = e.WebhookEventId, e.DeliveryContext
	case webhook.FollowEvent:
		id, dc = e.WebhookEventId, e.DeliveryContext
	}
	return id, dc != nil && dc.IsRedelivery
}

// Shutdown waits for all async event processing to complete.
// It returns an error if the context is canceled before completion.
func (h *Handler) Shutdown(ctx context.Context) error {
	c := make(chan struct{})
	go func() {
		defer close(c)
		h.wg.Wait()
	}()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
