package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	openaiTimeout  = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// OpenAI suggests metadata via an OpenAI-compatible chat completions API.
// Any endpoint speaking that dialect works (OpenAI, OpenRouter, LocalAI).
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(baseURL, apiKey, model string) *OpenAI {
	return &OpenAI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: openaiTimeout},
	}
}

func (o *OpenAI) Name() string {
	return "openai"
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	ResponseFormat map[string]any  `json:"response_format,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
}

type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (o *OpenAI) Suggest(ctx context.Context, content string, opts Options) (Suggestion, error) {
	system, user := buildMessages(content, opts)
	body, err := json.Marshal(openaiChatRequest{
		Model: o.model,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return Suggestion{}, err
	}

	var lastErr error
	for attempt := range maxRetries {
		reply, err := o.doChat(ctx, body)
		if err == nil {
			return parseSuggestion(reply)
		}
		if _, ok := err.(*rateLimitError); !ok {
			return Suggestion{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Suggestion{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return Suggestion{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (o *OpenAI) doChat(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", ErrNoSuggestion
	}
	return result.Choices[0].Message.Content, nil
}
