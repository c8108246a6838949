// File: internal/predictor/gemini.go
package predictor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/config"
)

// contentGenerator is the slice of *genai.Models the predictor uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiPredictor sends each turn to a Gemini model with the screenshot inline.
type GeminiPredictor struct {
	models      contentGenerator
	model       string
	temperature float32
	maxTokens   int32
	logger      *zap.Logger
}

// NewGeminiPredictor creates a Gemini backed predictor.
func NewGeminiPredictor(ctx context.Context, cfg config.PredictorConfig, logger *zap.Logger) (*GeminiPredictor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGeminiPredictor(client.Models, cfg, logger), nil
}

func newGeminiPredictor(models contentGenerator, cfg config.PredictorConfig, logger *zap.Logger) *GeminiPredictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiPredictor{
		models:      models,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   int32(cfg.MaxTokens),
		logger:      logger.Named("predictor.gemini"),
	}
}

// Predict implements schemas.Predictor.
func (g *GeminiPredictor) Predict(ctx context.Context, req schemas.PredictRequest) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(UserPrompt(req))}
	if len(req.Observation.Screenshot) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Observation.Screenshot, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(req.Tools), genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
	}
	if g.maxTokens > 0 {
		genCfg.MaxOutputTokens = g.maxTokens
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, genCfg)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	text := resp.Text()
	if text == "" {
		reason := ""
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			reason = string(resp.Candidates[0].FinishReason)
		}
		return "", fmt.Errorf("gemini returned no text (finish reason %q)", reason)
	}
	if resp.UsageMetadata != nil {
		g.logger.Debug("Gemini generation complete",
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("completion_tokens", resp.UsageMetadata.CandidatesTokenCount))
	}
	return text, nil
}

func classifyGeminiError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	wrapped := fmt.Errorf("gemini request failed: %w", err)
	if isRetryableStatus(code) {
		return schemas.Transient(wrapped)
	}
	// Transport failures carry no status; IsTransient inspects their chain.
	return wrapped
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
