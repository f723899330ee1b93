package vision

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiOracle implements Oracle against the Gemini API.
type GeminiOracle struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *zap.Logger
}

// NewGeminiOracle creates an oracle bound to one Gemini model.
func NewGeminiOracle(ctx context.Context, apiKey, model string, timeout time.Duration, log *zap.Logger) (*GeminiOracle, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	if model == "" {
		return nil, fmt.Errorf("model not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GeminiOracle{client: client, model: model, timeout: timeout, log: log}, nil
}

// Name returns the model identifier.
func (o *GeminiOracle) Name() string { return o.model }

// Extract sends one screenshot with the instruction prompt and returns
// the raw response text. JSON response mode is demanded; validation of
// the payload happens in the extractor.
func (o *GeminiOracle) Extract(ctx context.Context, img Image, instruction string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()

	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(img.Data, mime),
			genai.NewPartFromText("Extract the roster rows from this screenshot."),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	}

	resp, err := o.client.Models.GenerateContent(ctx, o.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("oracle call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrInvalidResponse)
	}

	o.log.Debug("oracle responded",
		zap.String("model", o.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("response_len", len(text)))
	return text, nil
}
