package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
	"github.com/LotVisionAI/lotvision-mvp/pkg/fn"
	"github.com/LotVisionAI/lotvision-mvp/pkg/pdftool"
)

// VisionModel is the multimodal model boundary: rendered page images in,
// raw structured-output JSON back.
type VisionModel interface {
	ExtractListing(ctx context.Context, pages [][]byte) ([]byte, error)
}

const visionPrompt = `You are reading a vehicle dealer condition report / spec sheet.
Extract the listing fields from the attached page images.
Reply with ONLY a JSON object matching this schema (per-field confidence 0-1):
` + ListingSchema + `
Omit fields that are not present in the document. Do not guess a VIN.`

// GeminiVision implements VisionModel with the Gemini API.
type GeminiVision struct {
	client *genai.Client
	model  string
}

// NewGeminiVision creates the Gemini-backed vision model.
func NewGeminiVision(ctx context.Context, apiKey, model string) (*GeminiVision, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("vision: gemini client: %w", err)
	}
	return &GeminiVision{client: client, model: model}, nil
}

// ExtractListing sends page images plus the extraction prompt to Gemini.
func (g *GeminiVision) ExtractListing(ctx context.Context, pages [][]byte) ([]byte, error) {
	parts := make([]*genai.Part, 0, len(pages)+1)
	parts = append(parts, &genai.Part{Text: visionPrompt})
	for _, p := range pages {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: "image/png", Data: p},
		})
	}

	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		[]*genai.Content{{Parts: parts}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, classifyModelErr(err)
	}
	return []byte(strings.TrimSpace(resp.Text())), nil
}

// classifyModelErr translates provider quota errors into the typed
// rate-limit error the retry policy understands.
func classifyModelErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") {
		return &fn.RateLimitedError{Wrapped: err}
	}
	return err
}

// VisionExtractor renders document pages and asks the vision model for a
// structured best-effort read of the same field set the layout parser
// targets.
type VisionExtractor struct {
	tool        *pdftool.Tool
	model       VisionModel
	retry       fn.RetryPolicy
	limiter     *rate.Limiter
	callTimeout time.Duration
	log         *slog.Logger
}

// VisionOpts configures the extractor.
type VisionOpts struct {
	Retry             fn.RetryPolicy
	RequestsPerSecond float64
	CallTimeout       time.Duration
	Logger            *slog.Logger
}

// NewVision creates a VisionExtractor.
func NewVision(tool *pdftool.Tool, model VisionModel, opts VisionOpts) *VisionExtractor {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fn.DefaultRetry
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &VisionExtractor{
		tool:        tool,
		model:       model,
		retry:       opts.Retry,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		callTimeout: opts.CallTimeout,
		log:         opts.Logger,
	}
}

// Extract runs vision extraction. Like the layout path it never returns a
// Go error: exhausted retries produce an abstaining result.
func (e *VisionExtractor) Extract(ctx context.Context, doc domain.RawDocument) domain.ExtractionResult {
	start := time.Now()
	res := domain.ExtractionResult{Source: domain.SourceVision}

	path, cleanup, err := pdftool.WriteTemp(doc.Content)
	if err != nil {
		return e.abstain(res, start, err)
	}
	defer cleanup()

	pages, err := e.tool.RenderPages(ctx, path)
	if err != nil {
		return e.abstain(res, start, err)
	}

	result := fn.Retry(ctx, e.retry, func(ctx context.Context) fn.Result[[]domain.FieldExtraction] {
		if err := e.limiter.Wait(ctx); err != nil {
			return fn.Err[[]domain.FieldExtraction](err)
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()

		raw, err := e.model.ExtractListing(callCtx, pages)
		if err != nil {
			return fn.Err[[]domain.FieldExtraction](err)
		}
		fields, err := ParseVisionReply(raw)
		if err != nil {
			return fn.Err[[]domain.FieldExtraction](err)
		}
		return fn.Ok(fields)
	})

	fields, err := result.Unwrap()
	if err != nil {
		return e.abstain(res, start, err)
	}

	res.Fields = fields
	res.Duration = time.Since(start)
	e.log.Info("vision: extracted",
		"file", doc.Filename, "pages", len(pages),
		"fields", len(res.Fields), "duration", res.Duration)
	return res
}

func (e *VisionExtractor) abstain(res domain.ExtractionResult, start time.Time, err error) domain.ExtractionResult {
	e.log.Warn("vision: abstaining", "error", err)
	res.Err = true
	res.ErrMsg = err.Error()
	res.Fields = nil
	res.Duration = time.Since(start)
	return res
}
