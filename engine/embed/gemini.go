package embed

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/LotVisionAI/lotvision-mvp/pkg/fn"
)

// GeminiEmbedder calls the Gemini embedding API with the composite text
// and the representative images in one request.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dims   int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dims int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: gemini client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model, dims: dims}, nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string, images [][]byte) ([]float32, error) {
	parts := []*genai.Part{{Text: text}}
	for _, img := range images {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: img},
		})
	}

	config := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}
	if g.dims > 0 {
		d := int32(g.dims)
		config.OutputDimensionality = &d
	}

	resp, err := g.client.Models.EmbedContent(
		ctx,
		g.model,
		[]*genai.Content{{Parts: parts}},
		config,
	)
	if err != nil {
		return nil, classifyEmbedErr(err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed: no embedding values returned")
	}
	return resp.Embeddings[0].Values, nil
}

// classifyEmbedErr translates provider quota errors into the typed
// rate-limit error the retry policy understands.
func classifyEmbedErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") {
		return &fn.RateLimitedError{Wrapped: err}
	}
	return err
}
