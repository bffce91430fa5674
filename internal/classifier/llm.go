package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"post_pipeline/internal/config"
)

var errEmptyResponse = errors.New("empty response from model")

// NewOpenAIModel builds a langchaingo model for any OpenAI-compatible chat
// completions endpoint (Gemini exposes one under /v1beta/openai).
func NewOpenAIModel(cfg config.LLMConfig) (llms.Model, error) {
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return llm, nil
}

// LLMGenerator sends single prompts to a langchaingo model and retries
// failed calls with exponential backoff.
type LLMGenerator struct {
	model       llms.Model
	temperature float64
	retry       config.RetryConfig
	logger      *slog.Logger
}

func NewLLMGenerator(model llms.Model, temperature float64, retry config.RetryConfig, logger *slog.Logger) *LLMGenerator {
	return &LLMGenerator{
		model:       model,
		temperature: temperature,
		retry:       retry,
		logger:      logger.With("component", "llm"),
	}
}

// Generate returns the model's text answer for prompt.
func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var text string

	op := func() error {
		out, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt, llms.WithTemperature(g.temperature))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if strings.TrimSpace(out) == "" {
			return errEmptyResponse
		}
		text = out
		return nil
	}

	notify := func(err error, wait time.Duration) {
		g.logger.Warn("generation failed, retrying", "backoff", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, g.policy(ctx), notify); err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return text, nil
}

func (g *LLMGenerator) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.InitialBackoff
	b.MaxInterval = g.retry.MaxBackoff
	b.MaxElapsedTime = 0

	retries := g.retry.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
