package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// maxResponseLogBytes is the max length of a model response body to log in full (to avoid huge logs).
const maxResponseLogBytes = 8192

// chatTemperature keeps extraction output stable across reprocessing runs.
const chatTemperature = 0.3

// CallStats captures what one chat exchange cost; the values land in the job
// output document.
type CallStats struct {
	LatencyMS int64 `json:"model_latency_ms"`
	Retries   int   `json:"retries_count"`
}

// Client wraps a vLLM OpenAI-compatible chat endpoint
type Client struct {
	model      llms.Model
	modelName  string
	maxRetries int
	maxTokens  int
}

// NewClient creates a new model client against an OpenAI-compatible endpoint.
// maxRetries is the total number of chat attempts per call.
func NewClient(baseURL, apiKey, modelName string, timeout time.Duration, maxRetries, maxTokens int) (*Client, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	opts := []openai.Option{
		openai.WithBaseURL(baseURL),
		openai.WithToken(apiKey),
		openai.WithModel(modelName),
		openai.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}

	log.Info().
		Str("base_url", baseURL).
		Str("model", modelName).
		Dur("timeout", timeout).
		Int("max_retries", maxRetries).
		Int("max_tokens", maxTokens).
		Msg("Model client initialized")

	return &Client{
		model:      model,
		modelName:  modelName,
		maxRetries: maxRetries,
		maxTokens:  maxTokens,
	}, nil
}

// ModelName returns the configured model identifier.
func (c *Client) ModelName() string {
	return c.modelName
}

// Chat sends one system+user exchange in JSON mode and returns the raw
// completion text. Transport and server errors are retried with exponential
// backoff up to the configured max attempts; latency covers the whole loop.
func (c *Client) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, CallStats, error) {
	messages := []llms.MessageContent{
		{Role: schema.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextContent{Text: systemPrompt}}},
		{Role: schema.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: userPrompt}}},
	}
	opts := []llms.CallOption{
		llms.WithTemperature(chatTemperature),
		llms.WithMaxTokens(c.maxTokens),
		llms.WithJSONMode(),
	}

	log.Info().
		Int("prompt_chars", len(systemPrompt)+len(userPrompt)).
		Msg("Sending chat request to model")

	var stats CallStats
	var content string
	start := time.Now()
	err := retry.Do(
		func() error {
			resp, err := c.model.GenerateContent(ctx, messages, opts...)
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return errors.New("model returned no choices")
			}
			content = resp.Choices[0].Content
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(2*time.Second),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			stats.Retries++
			log.Warn().
				Err(err).
				Uint("attempt", n+1).
				Int("max_retries", c.maxRetries).
				Msg("Model call failed, retrying")
		}),
	)
	stats.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return "", stats, fmt.Errorf("model call failed after %d attempts: %w", c.maxRetries, err)
	}

	logModelResponse("Chat", content)
	return content, stats, nil
}

// EstimateTokens returns the approximate token count of text for model. Falls
// back to a four-characters-per-token heuristic when no tokenizer encoding is
// available for the model name.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if n := llms.CountTokens(model, text); n > 0 {
		return n
	}
	return len(text) / 4
}

// logModelResponse logs model response text, truncating if over maxResponseLogBytes.
func logModelResponse(caller, raw string) {
	if len(raw) <= maxResponseLogBytes {
		log.Debug().Str("caller", caller).Str("model_response", raw).Msg("Model response")
		return
	}
	log.Debug().
		Str("caller", caller).
		Str("model_response", raw[:maxResponseLogBytes]+"... [truncated]").
		Int("model_response_len", len(raw)).
		Msg("Model response")
}
