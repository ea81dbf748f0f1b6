package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"prospector/internal/config"
	"prospector/internal/cost"
	"prospector/internal/logging"
)

// GeminiTextClient completes prompts against the Gemini API with JSON
// output enforcement.
type GeminiTextClient struct {
	client     *genai.Client
	model      string
	timeout    time.Duration
	deps       Deps
	maxRetries int

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiTextClient creates a text completion client.
func NewGeminiTextClient(cfg config.TextLLMProviderConfig, deps Deps, maxRetries int) (*GeminiTextClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("text LLM API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &GeminiTextClient{
		client:     client,
		model:      cfg.Model,
		timeout:    cfg.CallTimeout(),
		deps:       deps,
		maxRetries: maxRetries,
	}, nil
}

// Model returns the configured model name.
func (c *GeminiTextClient) Model() string {
	return c.model
}

// Complete sends the prompt and returns parsed JSON. A response that
// fails to parse triggers one repair re-prompt before giving up.
func (c *GeminiTextClient) Complete(ctx context.Context, promptText string, schema *Schema) (json.RawMessage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	text, err := c.generate(ctx, "complete", promptText, schema)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := parseJSONResponse(text)
	if parseErr == nil {
		return parsed, nil
	}

	logging.LLMWarn("gemini response unparseable, re-prompting for valid JSON: %v", parseErr)
	repair := promptText + "\n\nYour previous reply was not valid JSON. Return only valid JSON. No prose, no markdown fences."
	text, err = c.generate(ctx, "complete", repair, schema)
	if err != nil {
		return nil, err
	}
	parsed, parseErr = parseJSONResponse(text)
	if parseErr != nil {
		return nil, Permanent("llm.text", "complete", fmt.Errorf("response not valid JSON after repair: %w", parseErr))
	}
	return parsed, nil
}

// generate performs one rate-limited, retried model call.
func (c *GeminiTextClient) generate(ctx context.Context, op, promptText string, schema *Schema) (string, error) {
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

	contents := []*genai.Content{genai.NewContentFromText(promptText, genai.RoleUser)}
	genCfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.1)),
		MaxOutputTokens:  4096,
		ResponseMIMEType: "application/json",
	}
	if schema != nil {
		genCfg.ResponseSchema = toGenaiSchema(schema)
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

		result, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
		if err != nil {
			classified := classifyGenaiError("llm.text", op, err)
			if IsTransient(classified) && ctx.Err() == nil {
				lastErr = classified
				continue
			}
			lastErr = classified
			break
		}

		if result.UsageMetadata != nil {
			usage.InputTokens = int(result.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
		}
		text = strings.TrimSpace(result.Text())
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
		logging.LLMError("gemini %s failed after %v: %v", op, time.Since(start), lastErr)
		return "", lastErr
	}
	logging.LLM("gemini %s completed in %v (in=%d out=%d usd=%.6f)",
		op, time.Since(start).Round(time.Millisecond), usage.InputTokens, usage.OutputTokens, usd)
	return text, nil
}

// Close satisfies the provider lifecycle; the genai client holds no
// resources of its own to release.
func (c *GeminiTextClient) Close() error { return nil }

// classifyGenaiError sorts SDK failures into retryable and fatal. The
// SDK surfaces HTTP status codes and API reasons in error text.
func classifyGenaiError(provider, op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "resource exhausted"):
		return QuotaExceeded(provider, op, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return Transient(provider, op, err)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "unavailable") || strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection"):
		return Transient(provider, op, err)
	default:
		return Permanent(provider, op, err)
	}
}

// parseJSONResponse strips markdown fences and validates the payload.
func parseJSONResponse(text string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	// Salvage a JSON object embedded in prose.
	if !strings.HasPrefix(cleaned, "{") && !strings.HasPrefix(cleaned, "[") {
		if start := strings.IndexAny(cleaned, "{["); start >= 0 {
			cleaned = cleaned[start:]
		}
	}

	var probe interface{}
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return nil, err
	}
	return json.RawMessage(cleaned), nil
}

// toGenaiSchema converts the neutral schema to the Gemini type.
func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
	}
	switch strings.ToLower(s.Type) {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, sub := range s.Properties {
			out.Properties[name] = toGenaiSchema(sub)
		}
	}
	if s.Items != nil {
		out.Items = toGenaiSchema(s.Items)
	}
	return out
}
