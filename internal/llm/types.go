// Package llm implements the OpenAI-compatible decision client. Every
// failure at this boundary is a fallback signal, not an error: callers
// discard the result and use the heuristic path.
package llm

// Decision is one normalized trading decision returned by the model.
type Decision struct {
	Action         string  `json:"action"` // buy | sell | hold
	Symbol         string  `json:"symbol"`
	Confidence     float64 `json:"confidence"`      // [0.51, 0.95]
	QuantityShares int     `json:"quantity_shares"` // 0 for hold, lot multiple otherwise
	Reasoning      string  `json:"reasoning"`
}

// decisionEnvelope is the raw wire shape the model must return.
type decisionEnvelope struct {
	Decisions []rawDecision `json:"decisions"`
}

type rawDecision struct {
	Action         string  `json:"action"`
	Symbol         string  `json:"symbol"`
	Confidence     float64 `json:"confidence"`
	QuantityShares float64 `json:"quantity_shares"`
	Reasoning      string  `json:"reasoning"`
}

// chatRequest is an OpenAI-compatible chat completions request.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string      `json:"type"` // "json_schema" | "json_object"
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// chatResponse is an OpenAI-compatible chat completions response.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// decisionSchema builds the strict JSON schema constraining the reply to
// exactly one decision over the allowed symbol set.
func decisionSchema(symbols []string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"decisions"},
		"properties": map[string]any{
			"decisions": map[string]any{
				"type":     "array",
				"minItems": 1,
				"maxItems": 1,
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"action", "symbol", "confidence", "quantity_shares", "reasoning"},
					"properties": map[string]any{
						"action":          map[string]any{"type": "string", "enum": []string{"buy", "sell", "hold"}},
						"symbol":          map[string]any{"type": "string", "enum": symbols},
						"confidence":      map[string]any{"type": "number", "minimum": 0.51, "maximum": 0.95},
						"quantity_shares": map[string]any{"type": "integer", "minimum": 0},
						"reasoning":       map[string]any{"type": "string", "maxLength": 320},
					},
				},
			},
		},
	}
}
