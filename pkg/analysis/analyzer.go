package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sujeongiyo/reviewradar/internal/logger"
)

const (
	// Temperature keeps answers close to deterministic.
	Temperature = 0.2
	// MaxOutputTokens caps the reply length.
	MaxOutputTokens = 2048
)

// ErrMissingCredential is returned before any request when no API key is set.
var ErrMissingCredential = errors.New("language model api key is required")

// MalformedResponseError keeps the raw model reply for diagnosis.
type MalformedResponseError struct {
	Raw string
	Err error
}

func (e *MalformedResponseError) Error() string {
	if e.Err == nil {
		return "malformed analysis response"
	}
	return "malformed analysis response: " + e.Err.Error()
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// APIError wraps transport and API failures.
type APIError struct {
	Provider string
	Err      error
}

func (e *APIError) Error() string { return fmt.Sprintf("%s api: %v", e.Provider, e.Err) }
func (e *APIError) Unwrap() error { return e.Err }

// Result is the parsed model answer.
type Result struct {
	AdAnalysis string `json:"ad_analysis"`
	Positive   string `json:"positive"`
	Negative   string `json:"negative"`
	Summary    string `json:"summary"`

	// Truncated is set when the corpus exceeded MaxCorpusChars.
	Truncated bool `json:"-"`
	// Raw is the unparsed reply text.
	Raw string `json:"-"`
}

// Analyzer sends review corpora to a chat model.
type Analyzer struct {
	client   *http.Client
	provider string // "openai" or "anthropic"
	model    string
	baseURL  string
}

// NewAnalyzer creates a new analyzer. The API key is supplied per call.
func NewAnalyzer(provider, model, baseURL string, timeout time.Duration) *Analyzer {
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Analyzer{
		client:   &http.Client{Timeout: timeout},
		provider: provider,
		model:    model,
		baseURL:  baseURL,
	}
}

// Analyze runs one blocking analysis round-trip. It is never retried.
func (a *Analyzer) Analyze(ctx context.Context, apiKey, corpus, product string) (*Result, error) {
	if apiKey == "" {
		return nil, ErrMissingCredential
	}

	corpus, truncated := TruncateCorpus(corpus)
	if truncated {
		logger.Log.WithField("product", product).Warnf("review text too long, analysing the first %d characters only", MaxCorpusChars)
	}
	prompt := BuildPrompt(product, corpus)

	var raw string
	var err error
	switch a.provider {
	case "anthropic":
		raw, err = a.callAnthropic(ctx, apiKey, prompt)
	default:
		raw, err = a.callOpenAI(ctx, apiKey, prompt)
	}
	if err != nil {
		return nil, &APIError{Provider: a.providerName(), Err: err}
	}

	res, err := parseResult(raw)
	if err != nil {
		return nil, err
	}
	res.Truncated = truncated
	return res, nil
}

func (a *Analyzer) providerName() string {
	if a.provider == "anthropic" {
		return "anthropic"
	}
	return "openai"
}

func parseResult(raw string) (*Result, error) {
	text := strings.TrimSpace(raw)
	// Handle markdown code block wrapping.
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text[3:], "\n"); idx >= 0 {
			text = text[3+idx+1:]
		}
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
	}
	if text == "" {
		return nil, &MalformedResponseError{Raw: raw, Err: errors.New("empty reply")}
	}

	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return nil, &MalformedResponseError{Raw: raw, Err: err}
	}
	if res.Positive == "" || res.Negative == "" || res.Summary == "" {
		return nil, &MalformedResponseError{Raw: raw, Err: errors.New("reply lacks positive, negative or summary")}
	}
	res.Raw = raw
	return &res, nil
}

func (a *Analyzer) callOpenAI(ctx context.Context, apiKey, prompt string) (string, error) {
	cfg := openai.DefaultConfig(apiKey)
	if a.baseURL != "" {
		cfg.BaseURL = a.baseURL
	}
	cfg.HTTPClient = a.client
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: Temperature,
		MaxTokens:   MaxOutputTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from model %q", a.model)
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *Analyzer) callAnthropic(ctx context.Context, apiKey, prompt string) (string, error) {
	baseURL := a.baseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	payload := map[string]any{
		"model":       a.model,
		"max_tokens":  MaxOutputTokens,
		"temperature": Temperature,
		"system":      SystemPrompt,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal anthropic request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call anthropic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic status %d: %s", resp.StatusCode, anthropicErrorMessage(resp.Body))
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}

	if len(result.Content) == 0 {
		return "", fmt.Errorf("anthropic: no content returned")
	}
	return result.Content[0].Text, nil
}

// anthropicErrorMessage extracts error.message from an error reply, falling
// back to the raw body text.
func anthropicErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "read error body: " + err.Error()
	}
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Type + ": " + body.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
