package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleProvider implements Provider over Google's Gemini API.
type GoogleProvider struct {
	client *genai.Client
}

// NewGoogleProvider creates a Gemini provider. When apiKey is empty the
// GOOGLE_API_KEY environment variable is used.
func NewGoogleProvider(ctx context.Context, apiKey string) (*GoogleProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, &APIError{
				Code:    "invalid_api_key",
				Message: "Google API key not provided and GOOGLE_API_KEY not set",
			}
		}
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create Google client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

// Close releases the underlying client's resources.
func (g *GoogleProvider) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Name returns "google".
func (g *GoogleProvider) Name() string {
	return "google"
}

// Complete runs the prompt against the requested Gemini model.
func (g *GoogleProvider) Complete(ctx context.Context, req Request) (Response, error) {
	model := g.client.GenerativeModel(req.Model)
	model.SetMaxOutputTokens(maxCompletionTokens)

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, classifyAPIError("Google", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, &APIError{Code: "api_error", Message: "Google returned no candidates"}
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}

	out := Response{Text: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
