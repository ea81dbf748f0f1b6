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

// GeminiVisionClient analyzes screenshots with a prompt and returns
// structured JSON.
type GeminiVisionClient struct {
	client     *genai.Client
	model      string
	timeout    time.Duration
	deps       Deps
	maxRetries int

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiVisionClient creates a vision analysis client.
func NewGeminiVisionClient(cfg config.VisionLLMConfig, deps Deps, maxRetries int) (*GeminiVisionClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision LLM API key is required")
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
	return &GeminiVisionClient{
		client:     client,
		model:      cfg.Model,
		timeout:    cfg.CallTimeout(),
		deps:       deps,
		maxRetries: maxRetries,
	}, nil
}

// Model returns the configured model name.
func (c *GeminiVisionClient) Model() string {
	return c.model
}

// Analyze sends PNG images plus a prompt and returns parsed JSON,
// with the same one-shot repair behavior as the text client.
func (c *GeminiVisionClient) Analyze(ctx context.Context, promptText string, images [][]byte, schema *Schema) (json.RawMessage, error) {
	if len(images) == 0 {
		return nil, Permanent("llm.vision", "analyze", fmt.Errorf("no images provided"))
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	text, err := c.generate(ctx, promptText, images, schema)
	if err != nil {
		return nil, err
	}
	parsed, parseErr := parseJSONResponse(text)
	if parseErr == nil {
		return parsed, nil
	}

	logging.LLMWarn("vision response unparseable, re-prompting for valid JSON: %v", parseErr)
	repair := promptText + "\n\nYour previous reply was not valid JSON. Return only valid JSON. No prose, no markdown fences."
	text, err = c.generate(ctx, repair, images, schema)
	if err != nil {
		return nil, err
	}
	parsed, parseErr = parseJSONResponse(text)
	if parseErr != nil {
		return nil, Permanent("llm.vision", "analyze", fmt.Errorf("response not valid JSON after repair: %w", parseErr))
	}
	return parsed, nil
}

func (c *GeminiVisionClient) generate(ctx context.Context, promptText string, images [][]byte, schema *Schema) (string, error) {
	const op = "analyze"
	if err := c.deps.acquire(ctx, config.BucketVisionLLM, "llm.vision", op); err != nil {
		return "", err
	}

	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	parts := make([]*genai.Part, 0, len(images)+1)
	parts = append(parts, genai.NewPartFromText(promptText))
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

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
			classified := classifyGenaiError("llm.vision", op, err)
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
		usage.Images = len(images)
		text = strings.TrimSpace(result.Text())
		if text == "" {
			lastErr = Transient("llm.vision", op, fmt.Errorf("empty completion"))
			continue
		}
		lastErr = nil
		break
	}

	usd := c.deps.record(ctx, "llm.vision", op, usage)
	logging.AuditProviderCalled("llm.vision", op, time.Since(start), lastErr == nil, errString(lastErr))
	if lastErr != nil {
		logging.LLMError("vision %s failed after %v: %v", op, time.Since(start), lastErr)
		return "", lastErr
	}
	logging.LLM("vision completed in %v (images=%d in=%d out=%d usd=%.6f)",
		time.Since(start).Round(time.Millisecond), len(images), usage.InputTokens, usage.OutputTokens, usd)
	return text, nil
}

// Close satisfies the provider lifecycle; the genai client holds no
// resources of its own to release.
func (c *GeminiVisionClient) Close() error { return nil }
