package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Client talks to an OpenAI-compatible chat completions endpoint and
// extracts a single normalized trading decision per call.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker

	mu           sync.Mutex
	schemaBroken bool // endpoint rejected json_schema response format
}

// ClientConfig contains configuration for the LLM client.
type ClientConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewClient creates a new LLM client.
func NewClient(config ClientConfig) *Client {
	if config.Endpoint == "" {
		config.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.Temperature == 0 {
		config.Temperature = 0.4
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 600
	}
	if config.Timeout == 0 {
		config.Timeout = 7 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("LLM circuit breaker state changed")
		},
	})

	return &Client{
		endpoint:    config.Endpoint,
		apiKey:      config.APIKey,
		model:       config.Model,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
		timeout:     config.Timeout,
		httpClient:  &http.Client{Timeout: config.Timeout},
		breaker:     breaker,
	}
}

// Decide requests exactly one decision from the model. allowedSymbols is
// the candidate set the model may pick from; primarySymbol is the default
// used during normalization. Any failure returns an error the caller is
// expected to swallow in favor of the heuristic path.
func (c *Client) Decide(ctx context.Context, systemPrompt, userPrompt string, allowedSymbols []string, primarySymbol string, lotSize int) (*Decision, error) {
	if len(allowedSymbols) == 0 {
		return nil, fmt.Errorf("empty candidate symbol set")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content, err := c.complete(ctx, systemPrompt, userPrompt, allowedSymbols)
	if err != nil {
		return nil, err
	}

	var envelope decisionEnvelope
	if err := json.Unmarshal([]byte(extractJSONFromMarkdown(content)), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse decision JSON: %w", err)
	}
	if len(envelope.Decisions) != 1 {
		return nil, fmt.Errorf("expected exactly 1 decision, got %d", len(envelope.Decisions))
	}

	raw := envelope.Decisions[0]
	decision := normalize(raw, primarySymbol, lotSize)

	if !symbolAllowed(decision.Symbol, allowedSymbols) {
		return nil, fmt.Errorf("symbol %q outside candidate set", decision.Symbol)
	}

	return decision, nil
}

// complete runs the chat call under the circuit breaker, preferring the
// strict json_schema response format and falling back to json_object when
// the endpoint rejects it.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string, symbols []string) (string, error) {
	format := c.responseFormatFor(symbols)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		content, status, err := c.post(ctx, systemPrompt, userPrompt, format)
		if err == nil {
			return content, nil
		}
		if status == http.StatusBadRequest && format.Type == "json_schema" {
			c.markSchemaBroken()
			log.Warn().Err(err).Msg("Endpoint rejected json_schema format, retrying as json_object")
			content, _, err = c.post(ctx, systemPrompt, userPrompt, &responseFormat{Type: "json_object"})
			if err == nil {
				return content, nil
			}
		}
		return nil, err
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) responseFormatFor(symbols []string) *responseFormat {
	c.mu.Lock()
	broken := c.schemaBroken
	c.mu.Unlock()
	if broken {
		return &responseFormat{Type: "json_object"}
	}
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: &jsonSchema{
			Name:   "trading_decision",
			Strict: true,
			Schema: decisionSchema(sorted),
		},
	}
}

func (c *Client) markSchemaBroken() {
	c.mu.Lock()
	c.schemaBroken = true
	c.mu.Unlock()
}

// post performs one chat completions request and returns the first
// choice's content. The HTTP status is returned alongside the error so
// the caller can detect schema-format rejections.
func (c *Client) post(ctx context.Context, systemPrompt, userPrompt string, format *responseFormat) (string, int, error) {
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: format,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			return "", resp.StatusCode, fmt.Errorf("LLM API error: %s", errResp.Error.Message)
		}
		return "", resp.StatusCode, fmt.Errorf("LLM API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", resp.StatusCode, fmt.Errorf("no choices in LLM response")
	}

	log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("LLM request completed")

	return chatResp.Choices[0].Message.Content, resp.StatusCode, nil
}

// normalize maps the raw model output onto the decision contract.
func normalize(raw rawDecision, primarySymbol string, lotSize int) *Decision {
	action := strings.ToLower(strings.TrimSpace(raw.Action))
	switch action {
	case "buy", "sell", "hold":
	default:
		action = "hold"
	}

	symbol := strings.TrimSpace(raw.Symbol)
	if symbol == "" {
		symbol = primarySymbol
	}

	confidence := raw.Confidence
	if confidence < 0.51 {
		confidence = 0.51
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	quantity := 0
	if action != "hold" {
		if lotSize < 1 {
			lotSize = 1
		}
		quantity = int(math.Floor(raw.QuantityShares/float64(lotSize))) * lotSize
		if quantity < lotSize {
			quantity = lotSize
		}
	}

	reasoning := strings.TrimSpace(raw.Reasoning)
	if r := []rune(reasoning); len(r) > 320 {
		reasoning = string(r[:320])
	}

	return &Decision{
		Action:         action,
		Symbol:         symbol,
		Confidence:     confidence,
		QuantityShares: quantity,
		Reasoning:      reasoning,
	}
}

func symbolAllowed(symbol string, allowed []string) bool {
	for _, s := range allowed {
		if s == symbol {
			return true
		}
	}
	return false
}

// extractJSONFromMarkdown strips a ```json fence when the model wraps its
// reply in one.
func extractJSONFromMarkdown(content string) string {
	contentBytes := []byte(content)
	start := -1
	if idx := bytes.Index(contentBytes, []byte("```json")); idx >= 0 {
		start = idx + 7
	} else if idx := bytes.Index(contentBytes, []byte("```")); idx >= 0 {
		start = idx + 3
	}
	if start >= 0 {
		if idx := bytes.Index(contentBytes[start:], []byte("```")); idx >= 0 {
			content = content[start : start+idx]
		}
	}
	return strings.TrimSpace(content)
}
