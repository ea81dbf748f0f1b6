package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"prospector/internal/config"
	"prospector/internal/cost"
	"prospector/internal/logging"
)

// openaiMessage is one chat turn.
type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openaiRequest is the chat completions request body.
type openaiRequest struct {
	Model          string                 `json:"model"`
	Messages       []openaiMessage        `json:"messages"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	Temperature    float64                `json:"temperature"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

// openaiResponse is the chat completions response body.
type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAICompatClient is the fallback text completion client. It
// speaks the OpenAI chat completions wire format, which most hosted
// LLM gateways accept.
type OpenAICompatClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	deps       Deps
	maxRetries int

	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenAICompatClient creates the fallback client from the text LLM
// provider config. Returns nil when no fallback key is configured.
func NewOpenAICompatClient(cfg config.TextLLMProviderConfig, deps Deps, maxRetries int) *OpenAICompatClient {
	if cfg.FallbackAPIKey == "" {
		return nil
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OpenAICompatClient{
		apiKey:  cfg.FallbackAPIKey,
		baseURL: strings.TrimRight(cfg.FallbackBaseURL, "/"),
		model:   cfg.FallbackModel,
		httpClient: &http.Client{
			Timeout: cfg.CallTimeout(),
		},
		deps:       deps,
		maxRetries: maxRetries,
	}
}

// Model returns the configured model name.
func (c *OpenAICompatClient) Model() string {
	return c.model
}

// Complete sends the prompt and returns parsed JSON, with the same
// one-shot repair behavior as the primary client.
func (c *OpenAICompatClient) Complete(ctx context.Context, promptText string, schema *Schema) (json.RawMessage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	text, err := c.generate(ctx, promptText, schema)
	if err != nil {
		return nil, err
	}
	parsed, parseErr := parseJSONResponse(text)
	if parseErr == nil {
		return parsed, nil
	}

	logging.LLMWarn("fallback response unparseable, re-prompting for valid JSON: %v", parseErr)
	repair := promptText + "\n\nYour previous reply was not valid JSON. Return only valid JSON. No prose, no markdown fences."
	text, err = c.generate(ctx, repair, schema)
	if err != nil {
		return nil, err
	}
	parsed, parseErr = parseJSONResponse(text)
	if parseErr != nil {
		return nil, Permanent("llm.text", "fallback", fmt.Errorf("response not valid JSON after repair: %w", parseErr))
	}
	return parsed, nil
}

func (c *OpenAICompatClient) generate(ctx context.Context, promptText string, schema *Schema) (string, error) {
	const op = "fallback"
	if err := c.deps.acquire(ctx, config.BucketTextLLM, "llm.text", op); err != nil {
		return "", err
	}

	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqBody := openaiRequest{
		Model: c.model,
		Messages: []openaiMessage{
			{Role: "system", Content: "You are a precise extraction engine. Always answer with JSON only."},
			{Role: "user", Content: promptText},
		},
		MaxTokens:   4096,
		Temperature: 0.1,
	}
	if schema != nil {
		reqBody.ResponseFormat = map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   "response",
				"schema": schema.JSONSchemaMap(),
			},
		}
	}

	start := time.Now()
	var usage cost.Usage
	var text string
	var lastErr error

	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			sleepBackoff(ctx, i)
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			lastErr = Permanent("llm.text", op, fmt.Errorf("failed to marshal request: %w", err))
			break
		}
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			lastErr = Permanent("llm.text", op, err)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			lastErr = Transient("llm.text", op, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = Transient("llm.text", op, fmt.Errorf("failed to read response: %w", err))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			// Some gateways reject response_format; retry once without it.
			if reqBody.ResponseFormat != nil && resp.StatusCode == http.StatusBadRequest &&
				(strings.Contains(string(body), "response_format") || strings.Contains(string(body), "json_schema")) {
				reqBody.ResponseFormat = nil
				lastErr = Transient("llm.text", op, fmt.Errorf("gateway rejected response_format"))
				continue
			}
			classified := classifyHTTPStatus("llm.text", op, resp.StatusCode, string(body))
			if IsTransient(classified) {
				lastErr = classified
				continue
			}
			lastErr = classified
			break
		}

		var parsed openaiResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			lastErr = Permanent("llm.text", op, fmt.Errorf("failed to parse response: %w", err))
			break
		}
		if parsed.Error != nil {
			lastErr = Permanent("llm.text", op, fmt.Errorf("API error: %s", parsed.Error.Message))
			break
		}
		if len(parsed.Choices) == 0 {
			lastErr = Transient("llm.text", op, fmt.Errorf("no completion returned"))
			continue
		}

		usage.InputTokens = parsed.Usage.PromptTokens
		usage.OutputTokens = parsed.Usage.CompletionTokens
		text = strings.TrimSpace(parsed.Choices[0].Message.Content)
		if text == "" {
			lastErr = Transient("llm.text", op, fmt.Errorf("empty completion"))
			continue
		}
		lastErr = nil
		break
	}

	usd := c.deps.record(ctx, "llm.text", op, usage)
	logging.AuditProviderCalled("llm.text", op, time.Since(start), lastErr == nil, errString(lastErr))
	if lastErr != nil {
		logging.LLMError("fallback %s failed after %v: %v", op, time.Since(start), lastErr)
		return "", lastErr
	}
	logging.LLM("fallback completed in %v (in=%d out=%d usd=%.6f)",
		time.Since(start).Round(time.Millisecond), usage.InputTokens, usage.OutputTokens, usd)
	return text, nil
}
