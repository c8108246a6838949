// File: internal/predictor/factory.go
package predictor

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/config"
)

// NewPredictor builds the backend named by cfg.Provider.
func NewPredictor(ctx context.Context, cfg config.PredictorConfig, logger *zap.Logger) (schemas.Predictor, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiPredictor(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIPredictor(cfg, &http.Client{}, logger)
	default:
		return nil, fmt.Errorf("unsupported predictor provider: %q", cfg.Provider)
	}
}

// NewLimiter returns the rate limiter for cfg, or nil when limiting is disabled.
func NewLimiter(cfg config.PredictorConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}
