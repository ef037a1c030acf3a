package imageapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeUploader struct {
	data        []byte
	contentType string
	err         error
}

func (f *fakeUploader) UploadImage(_ context.Context, prefix string, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.data = data
	f.contentType = contentType
	return "https://img.example.com/" + prefix + "/x.png", nil
}

func newTestGemini(gen generateFunc, up Uploader) *Gemini {
	return &Gemini{generate: gen, model: "gemini-test", uploader: up}
}

func TestGemini_EditUploadsInlineImage(t *testing.T) {
	t.Parallel()

	var gotPrompt string
	gen := func(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		assert.Equal(t, "gemini-test", model)
		require.Len(t, contents, 1)
		gotPrompt = contents[0].Parts[0].Text
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{
					{Text: "here you go"},
					{InlineData: &genai.Blob{Data: []byte("png-bytes"), MIMEType: "image/png"}},
				}},
			}},
		}, nil
	}
	up := &fakeUploader{}

	url, err := newTestGemini(gen, up).Edit(context.Background(), []byte("jpeg"), "加上彩虹")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/results/x.png", url)
	assert.Equal(t, "加上彩虹", gotPrompt)
	assert.Equal(t, []byte("png-bytes"), up.data)
	assert.Equal(t, "image/png", up.contentType)
}

func TestGemini_NoImageInResponse(t *testing.T) {
	t.Parallel()

	gen := func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "I can't do that"}}},
		}}}, nil
	}
	_, err := newTestGemini(gen, &fakeUploader{}).Colorize(context.Background(), []byte("jpeg"))
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestGemini_ClassifiesAPIErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want error
	}{
		{429, ErrInsufficientCredit},
		{404, ErrModelNotFound},
		{400, ErrInvalidInput},
	}
	for _, tt := range tests {
		gen := func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return nil, genai.APIError{Code: tt.code, Message: "boom"}
		}
		_, err := newTestGemini(gen, &fakeUploader{}).Edit(context.Background(), []byte("x"), "p")
		assert.ErrorIs(t, err, tt.want, "code %d", tt.code)
	}
}

func TestGemini_UploadFailure(t *testing.T) {
	t.Parallel()

	gen := func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{Data: []byte("x")}}}},
		}}}, nil
	}
	upErr := errors.New("r2 down")
	_, err := newTestGemini(gen, &fakeUploader{err: upErr}).Colorize(context.Background(), []byte("jpeg"))
	assert.ErrorIs(t, err, upErr)
}

func TestNewGemini_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewGemini(context.Background(), GeminiConfig{})
	assert.Error(t, err)
	_, err = NewGemini(context.Background(), GeminiConfig{APIKey: "k"})
	assert.Error(t, err, "uploader required")
}
