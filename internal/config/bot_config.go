package config

import (
	"errors"
	"fmt"
	"time"
)

// LINE Messaging API limits.
const (
	LINEMaxMessagesPerReply  = 5
	LINEMaxTextMessageLength = 5000
	LINEMaxQuickReplyItems   = 13

	// Outbound API throttle shared by reply, push and profile calls.
	LINEAPIRequestsPerSecond = 100
	LINEAPIBurst             = 50
)

// BotConfig holds bot behavior settings shared by the webhook, router and features.
type BotConfig struct {
	WebhookTimeout      time.Duration
	MaxMessagesPerReply int
	MaxEventsPerWebhook int

	// Per-user inbound rate limit (token bucket)
	UserRateLimitRPS   float64
	UserRateLimitBurst int

	// Image jobs
	ImageJobTimeout     time.Duration
	ImageJobConcurrency int64

	// Points charged per job; 0 makes the feature free.
	ColorizeCostPoints int64
	EditCostPoints     int64

	// Credited once when a user follows the bot; 0 disables it.
	SignupBonusPoints int64
}

// DefaultBotConfig returns default configuration values.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		WebhookTimeout:      WebhookProcessing,
		MaxMessagesPerReply: LINEMaxMessagesPerReply,
		MaxEventsPerWebhook: 100,
		UserRateLimitRPS:    0.5,
		UserRateLimitBurst:  10,
		ImageJobTimeout:     ImageJob,
		ImageJobConcurrency: 8,
		ColorizeCostPoints:  1,
		EditCostPoints:      1,
		SignupBonusPoints:   0,
	}
}

// Validate checks bot settings for values that would break routing or jobs.
func (c BotConfig) Validate() error {
	var errs []error
	if c.WebhookTimeout <= 0 {
		errs = append(errs, fmt.Errorf("webhook timeout must be positive, got %v", c.WebhookTimeout))
	}
	if c.MaxMessagesPerReply < 1 || c.MaxMessagesPerReply > LINEMaxMessagesPerReply {
		errs = append(errs, fmt.Errorf("max messages per reply must be 1-%d, got %d", LINEMaxMessagesPerReply, c.MaxMessagesPerReply))
	}
	if c.UserRateLimitRPS <= 0 || c.UserRateLimitBurst < 1 {
		errs = append(errs, errors.New("user rate limit needs positive rps and burst"))
	}
	if c.ImageJobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("image job timeout must be positive, got %v", c.ImageJobTimeout))
	}
	if c.ImageJobConcurrency < 1 {
		errs = append(errs, fmt.Errorf("image job concurrency must be at least 1, got %d", c.ImageJobConcurrency))
	}
	if c.ColorizeCostPoints < 0 || c.EditCostPoints < 0 || c.SignupBonusPoints < 0 {
		errs = append(errs, errors.New("point amounts cannot be negative"))
	}
	return errors.Join(errs...)
}
