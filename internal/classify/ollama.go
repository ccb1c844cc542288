package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// suggestionSchema is the structured-output format sent to Ollama so the
// model replies with the suggestion object directly.
var suggestionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":         map[string]any{"type": "string"},
		"tags":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"correspondent": map[string]any{"type": "string"},
		"document_type": map[string]any{"type": "string"},
	},
	"required": []string{"title", "tags"},
}

// Ollama suggests metadata via a local Ollama instance's chat API.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates an Ollama provider. No client timeout is set; local
// models can take minutes on long documents, so callers bound the request
// through the context.
func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 0},
	}
}

func (o *Ollama) Name() string {
	return "ollama"
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   any             `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

func (o *Ollama) Suggest(ctx context.Context, content string, opts Options) (Suggestion, error) {
	system, user := buildMessages(content, opts)
	body, err := json.Marshal(ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: false,
		Format: suggestionSchema,
	})
	if err != nil {
		return Suggestion{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Suggestion{}, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Suggestion{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Suggestion{}, fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Suggestion{}, fmt.Errorf("decoding chat response: %w", err)
	}
	return parseSuggestion(result.Message.Content)
}

// IsRunning reports whether the Ollama server answers its tags endpoint.
func (o *Ollama) IsRunning(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
