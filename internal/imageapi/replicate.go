package imageapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/tidwall/gjson"
)

const (
	providerReplicate = "replicate"

	// maxResponseBytes caps API response bodies.
	maxResponseBytes = 1 << 20
)

// Prediction statuses
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

// ReplicateConfig configures the Replicate client.
type ReplicateConfig struct {
	Token        string
	BaseURL      string // default https://api.replicate.com/v1
	PollInterval time.Duration
	HTTPClient   *http.Client
	Retry        RetryConfig
	Metrics      *metrics.Metrics
}

// Replicate runs predictions on Replicate's HTTP API.
type Replicate struct {
	token        string
	baseURL      string
	pollInterval time.Duration
	http         *http.Client
	retry        RetryConfig
	metrics      *metrics.Metrics
}

var _ Client = (*Replicate)(nil)

// NewReplicate creates a Replicate client.
func NewReplicate(cfg ReplicateConfig) (*Replicate, error) {
	if cfg.Token == "" {
		return nil, errors.New("replicate: API token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.replicate.com/v1"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Replicate{
		token:        cfg.Token,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pollInterval: cfg.PollInterval,
		http:         cfg.HTTPClient,
		retry:        cfg.Retry,
		metrics:      cfg.Metrics,
	}, nil
}

// Provider returns "replicate".
func (r *Replicate) Provider() string { return providerReplicate }

// Colorize runs the restore model.
func (r *Replicate) Colorize(ctx context.Context, image []byte) (string, error) {
	return r.run(ctx, "colorize", ColorizeModel, map[string]any{
		"input_image": DataURL(image),
	})
}

// Edit runs the edit model with prompt.
func (r *Replicate) Edit(ctx context.Context, image []byte, prompt string) (string, error) {
	return r.run(ctx, "edit", EditModel, map[string]any{
		"prompt":        prompt,
		"image_input":   []string{DataURL(image)},
		"output_format": "jpg",
	})
}

// run creates a prediction and polls it until it reaches a terminal status.
// Creation is never retried so a flaky network cannot bill twice.
func (r *Replicate) run(ctx context.Context, operation, model string, input map[string]any) (string, error) {
	start := time.Now()
	url, err := r.predict(ctx, model, input)
	status := "success"
	switch {
	case errors.Is(err, ErrInsufficientCredit):
		status = "insufficient_credit"
	case err != nil:
		status = "error"
	}
	r.metrics.RecordImageAPI(providerReplicate, operation, status, time.Since(start).Seconds())

	if err != nil {
		slog.WarnContext(ctx, "replicate prediction failed",
			"model", model,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return "", err
	}
	slog.DebugContext(ctx, "replicate prediction succeeded",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds())
	return url, nil
}

func (r *Replicate) predict(ctx context.Context, model string, input map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", fmt.Errorf("replicate: encode input: %w", err)
	}

	body, err := r.do(ctx, http.MethodPost, r.baseURL+"/models/"+model+"/predictions", payload)
	if err != nil {
		return "", err
	}

	pollURL := gjson.GetBytes(body, "urls.get").String()
	if pollURL == "" {
		if id := gjson.GetBytes(body, "id").String(); id != "" {
			pollURL = r.baseURL + "/predictions/" + id
		}
	}

	for {
		switch gjson.GetBytes(body, "status").String() {
		case statusSucceeded:
			return outputURL(body)
		case statusFailed, statusCanceled:
			return "", predictionError(body)
		}
		if pollURL == "" {
			return "", &APIError{Provider: providerReplicate, Detail: "prediction has no status URL"}
		}

		if err := sleep(ctx, r.pollInterval); err != nil {
			return "", fmt.Errorf("replicate: waiting for prediction: %w", err)
		}
		err = withRetry(ctx, r.retry, func() error {
			var getErr error
			body, getErr = r.do(ctx, http.MethodGet, pollURL, nil)
			return getErr
		})
		if err != nil {
			return "", err
		}
	}
}

func (r *Replicate) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reqBody io.Reader = http.NoBody
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		// Hold the connection until the prediction finishes (up to 60s).
		req.Header.Set("Prefer", "wait")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replicate: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, responseError(resp.StatusCode, body)
	}
	return body, nil
}

// responseError classifies a non-2xx response.
func responseError(status int, body []byte) error {
	detail := gjson.GetBytes(body, "detail").String()
	if detail == "" {
		detail = gjson.GetBytes(body, "title").String()
	}
	if detail == "" {
		detail = http.StatusText(status)
	}

	apiErr := &APIError{Provider: providerReplicate, StatusCode: status, Detail: detail}
	switch {
	case status == http.StatusPaymentRequired:
		apiErr.Kind = ErrInsufficientCredit
	case status == http.StatusNotFound:
		apiErr.Kind = ErrModelNotFound
	case status == http.StatusUnprocessableEntity:
		apiErr.Kind = ErrInvalidInput
	default:
		apiErr.Kind = classifyDetail(detail)
	}
	return apiErr
}

// predictionError converts a failed or canceled prediction.
func predictionError(body []byte) error {
	detail := gjson.GetBytes(body, "error").String()
	if detail == "" {
		detail = "prediction " + gjson.GetBytes(body, "status").String()
	}
	return &APIError{Provider: providerReplicate, Detail: detail, Kind: classifyDetail(detail)}
}

func classifyDetail(detail string) error {
	switch {
	case strings.Contains(detail, "Insufficient credit"), strings.Contains(detail, "insufficient credit"):
		return ErrInsufficientCredit
	case strings.Contains(detail, "Model not found"), strings.Contains(detail, "does not exist"):
		return ErrModelNotFound
	case strings.Contains(detail, "Invalid input"):
		return ErrInvalidInput
	}
	return nil
}

// outputURL extracts the result URL. Output is either a URL string or a list
// whose first element is one.
func outputURL(body []byte) (string, error) {
	out := gjson.GetBytes(body, "output")
	if out.IsArray() {
		out = out.Get("0")
	}
	if out.IsObject() {
		out = out.Get("url")
	}
	url := strings.TrimSpace(out.String())
	if url == "" {
		return "", ErrNoOutput
	}
	return url, nil
}
