package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatReply(content string) string {
	resp := map[string]any{
		"id":    "chatcmpl-test",
		"model": "gpt-4o-mini",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func decisionContent(action, symbol string, confidence, quantity float64) string {
	return fmt.Sprintf(`{"decisions":[{"action":%q,"symbol":%q,"confidence":%v,"quantity_shares":%v,"reasoning":"test"}]}`,
		action, symbol, confidence, quantity)
}

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{Endpoint: url, APIKey: "test-key", Model: "test-model"})
}

func TestDecideSuccess(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, chatReply(decisionContent("buy", "600519", 0.8, 300)))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	decision, err := client.Decide(context.Background(), "sys", "user", []string{"600519", "000001"}, "600519", 100)
	require.NoError(t, err)

	assert.Equal(t, "buy", decision.Action)
	assert.Equal(t, "600519", decision.Symbol)
	assert.Equal(t, 0.8, decision.Confidence)
	assert.Equal(t, 300, decision.QuantityShares)

	// First attempt goes out with the strict schema format.
	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_schema", gotReq.ResponseFormat.Type)
	assert.Equal(t, "test-model", gotReq.Model)
}

func TestDecideSchemaRejectedFallsBackToJSONObject(t *testing.T) {
	var formats []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		formats = append(formats, req.ResponseFormat.Type)

		if req.ResponseFormat.Type == "json_schema" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"response_format not supported"}}`)
			return
		}
		fmt.Fprint(w, chatReply(decisionContent("hold", "600519", 0.6, 0)))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	decision, err := client.Decide(context.Background(), "sys", "user", []string{"600519"}, "600519", 100)
	require.NoError(t, err)
	assert.Equal(t, "hold", decision.Action)
	assert.Equal(t, []string{"json_schema", "json_object"}, formats)

	// The rejection is remembered: the next call skips json_schema.
	_, err = client.Decide(context.Background(), "sys", "user", []string{"600519"}, "600519", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"json_schema", "json_object", "json_object"}, formats)
}

func TestDecideMarkdownWrappedReply(t *testing.T) {
	content := "```json\n" + decisionContent("buy", "600519", 0.7, 200) + "\n```"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(content))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	decision, err := client.Decide(context.Background(), "sys", "user", []string{"600519"}, "600519", 100)
	require.NoError(t, err)
	assert.Equal(t, "buy", decision.Action)
	assert.Equal(t, 200, decision.QuantityShares)
}

func TestDecideSymbolOutsideCandidateSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(decisionContent("buy", "999999", 0.8, 100)))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Decide(context.Background(), "sys", "user", []string{"600519"}, "600519", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside candidate set")
}

func TestDecideRejectsMultipleDecisions(t *testing.T) {
	content := `{"decisions":[` +
		`{"action":"buy","symbol":"600519","confidence":0.8,"quantity_shares":100,"reasoning":"a"},` +
		`{"action":"sell","symbol":"600519","confidence":0.8,"quantity_shares":100,"reasoning":"b"}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(content))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Decide(context.Background(), "sys", "user", []string{"600519"}, "600519", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected exactly 1 decision")
}

func TestDecideEmptyCandidateSet(t *testing.T) {
	client := newTestClient("http://127.0.0.1:0")
	_, err := client.Decide(context.Background(), "sys", "user", nil, "", 100)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		raw  rawDecision
		want Decision
	}{
		{
			name: "unknown action becomes hold",
			raw:  rawDecision{Action: "SHORT", Symbol: "600519", Confidence: 0.8, QuantityShares: 500},
			want: Decision{Action: "hold", Symbol: "600519", Confidence: 0.8, QuantityShares: 0},
		},
		{
			name: "confidence clamped low",
			raw:  rawDecision{Action: "buy", Symbol: "600519", Confidence: 0.2, QuantityShares: 100},
			want: Decision{Action: "buy", Symbol: "600519", Confidence: 0.51, QuantityShares: 100},
		},
		{
			name: "confidence clamped high",
			raw:  rawDecision{Action: "sell", Symbol: "600519", Confidence: 0.99, QuantityShares: 100},
			want: Decision{Action: "sell", Symbol: "600519", Confidence: 0.95, QuantityShares: 100},
		},
		{
			name: "quantity floored to lot multiple",
			raw:  rawDecision{Action: "buy", Symbol: "600519", Confidence: 0.7, QuantityShares: 250},
			want: Decision{Action: "buy", Symbol: "600519", Confidence: 0.7, QuantityShares: 200},
		},
		{
			name: "sub-lot quantity raised to one lot",
			raw:  rawDecision{Action: "buy", Symbol: "600519", Confidence: 0.7, QuantityShares: 30},
			want: Decision{Action: "buy", Symbol: "600519", Confidence: 0.7, QuantityShares: 100},
		},
		{
			name: "empty symbol defaults to primary",
			raw:  rawDecision{Action: "hold", Confidence: 0.6},
			want: Decision{Action: "hold", Symbol: "600000", Confidence: 0.6, QuantityShares: 0},
		},
		{
			name: "case and whitespace tolerated",
			raw:  rawDecision{Action: "  BUY ", Symbol: " 600519 ", Confidence: 0.7, QuantityShares: 100},
			want: Decision{Action: "buy", Symbol: "600519", Confidence: 0.7, QuantityShares: 100},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalize(tc.raw, "600000", 100)
			assert.Equal(t, tc.want.Action, got.Action)
			assert.Equal(t, tc.want.Symbol, got.Symbol)
			assert.Equal(t, tc.want.Confidence, got.Confidence)
			assert.Equal(t, tc.want.QuantityShares, got.QuantityShares)
		})
	}
}

func TestNormalizeReasoningTruncatedByRunes(t *testing.T) {
	long := strings.Repeat("多", 400)
	got := normalize(rawDecision{Action: "hold", Symbol: "600519", Confidence: 0.6, Reasoning: long}, "600519", 100)
	assert.Equal(t, 320, len([]rune(got.Reasoning)))
	assert.Equal(t, strings.Repeat("多", 320), got.Reasoning)
}

func TestExtractJSONFromMarkdown(t *testing.T) {
	plain := `{"a":1}`
	assert.Equal(t, plain, extractJSONFromMarkdown(plain))
	assert.Equal(t, plain, extractJSONFromMarkdown("```json\n{\"a\":1}\n```"))
	assert.Equal(t, plain, extractJSONFromMarkdown("```\n{\"a\":1}\n```"))
	assert.Equal(t, plain, extractJSONFromMarkdown("prefix text ```json\n{\"a\":1}\n``` suffix"))
}
