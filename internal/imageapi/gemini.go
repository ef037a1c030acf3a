package imageapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"google.golang.org/genai"
)

const (
	providerGemini = "gemini"

	colorizePrompt = "Restore this photo: remove scratches, dust and noise, sharpen faces, " +
		"and colorize it with natural, historically plausible colors. Keep the composition unchanged."
)

// Uploader hosts generated images and returns their public URL.
type Uploader interface {
	UploadImage(ctx context.Context, prefix string, data []byte, contentType string) (string, error)
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey   string
	Model    string
	Uploader Uploader
	Metrics  *metrics.Metrics
}

// Gemini edits images with a Gemini image model. Gemini returns image bytes,
// so results are uploaded to object storage to obtain a URL.
type Gemini struct {
	generate generateFunc
	model    string
	uploader Uploader
	metrics  *metrics.Metrics
}

var _ Client = (*Gemini)(nil)

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("gemini: an uploader is required to host results")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash-image"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &Gemini{
		generate: client.Models.GenerateContent,
		model:    cfg.Model,
		uploader: cfg.Uploader,
		metrics:  cfg.Metrics,
	}, nil
}

// Provider returns "gemini".
func (g *Gemini) Provider() string { return providerGemini }

// Colorize restores the photo with a fixed instruction.
func (g *Gemini) Colorize(ctx context.Context, image []byte) (string, error) {
	return g.run(ctx, "colorize", image, colorizePrompt)
}

// Edit applies prompt to the photo.
func (g *Gemini) Edit(ctx context.Context, image []byte, prompt string) (string, error) {
	return g.run(ctx, "edit", image, prompt)
}

func (g *Gemini) run(ctx context.Context, operation string, image []byte, prompt string) (string, error) {
	start := time.Now()
	url, err := g.editImage(ctx, image, prompt)

	status := "success"
	if err != nil {
		status = "error"
		slog.WarnContext(ctx, "gemini image generation failed",
			"model", g.model,
			"operation", operation,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
	}
	g.metrics.RecordImageAPI(providerGemini, operation, status, time.Since(start).Seconds())
	return url, err
}

func (g *Gemini) editImage(ctx context.Context, image []byte, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(image, http.DetectContentType(image)),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	}

	resp, err := g.generate(ctx, g.model, contents, config)
	if err != nil {
		return "", classifyGeminiError(err)
	}

	data, mime := firstImage(resp)
	if len(data) == 0 {
		return "", ErrNoOutput
	}
	url, err := g.uploader.UploadImage(ctx, "results", data, mime)
	if err != nil {
		return "", fmt.Errorf("gemini: host result: %w", err)
	}
	return url, nil
}

// firstImage returns the first inline image in the response.
func firstImage(resp *genai.GenerateContentResponse) ([]byte, string) {
	if resp == nil {
		return nil, ""
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				return part.InlineData.Data, mime
			}
		}
	}
	return nil, ""
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("gemini: %w", err)
	}
	out := &APIError{Provider: providerGemini, StatusCode: apiErr.Code, Detail: apiErr.Message}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		out.Kind = ErrInsufficientCredit
	case http.StatusNotFound:
		out.Kind = ErrModelNotFound
	case http.StatusBadRequest:
		out.Kind = ErrInvalidInput
	}
	return out
}
