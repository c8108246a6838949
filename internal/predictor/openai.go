// File: internal/predictor/openai.go
package predictor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/config"
	"github.com/xkilldash9x/phonepilot/internal/llmutil"
)

// -- OpenAI-compatible Request/Response Structures (Internal to this file) --

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// OpenAIPredictor talks to any server exposing the chat completions API,
// such as a self-hosted vLLM instance serving a GUI agent model.
type OpenAIPredictor struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float32
	maxTokens   int
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewOpenAIPredictor creates a predictor for an OpenAI-compatible endpoint.
func NewOpenAIPredictor(cfg config.PredictorConfig, httpClient *http.Client, logger *zap.Logger) (*OpenAIPredictor, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("openai-compatible predictor requires an endpoint")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai-compatible predictor requires a model name")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIPredictor{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/") + "/chat/completions",
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  httpClient,
		logger:      logger.Named("predictor.openai"),
	}, nil
}

// Predict implements schemas.Predictor.
func (o *OpenAIPredictor) Predict(ctx context.Context, req schemas.PredictRequest) (string, error) {
	user := []contentPart{{Type: "text", Text: UserPrompt(req)}}
	if len(req.Observation.Screenshot) > 0 {
		user = append(user, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Observation.Screenshot)},
		})
	}
	payload := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(req.Tools)},
			{Role: "user", Content: user},
		},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", schemas.Transient(fmt.Errorf("failed to read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("predictor API error: status %d, body: %s", resp.StatusCode, llmutil.TruncateString(string(respBody), 300))
		if isRetryableStatus(resp.StatusCode) {
			return "", schemas.Transient(apiErr)
		}
		return "", apiErr
	}

	var decoded chatResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode response payload: %w", err)
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("predictor API returned no content")
	}
	o.logger.Debug("Chat completion finished",
		zap.Int("prompt_tokens", decoded.Usage.PromptTokens),
		zap.Int("completion_tokens", decoded.Usage.CompletionTokens),
		zap.String("finish_reason", decoded.Choices[0].FinishReason))
	return decoded.Choices[0].Message.Content, nil
}
