// Package classify asks an AI provider to suggest metadata (title, tags,
// correspondent, document type) for a document's extracted text and writes
// accepted suggestions back to the archive.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/inkfeed/paperocr/internal/config"
	"github.com/inkfeed/paperocr/internal/paperless"
)

// ErrNoSuggestion is returned when the provider's reply contains no usable
// JSON suggestion.
var ErrNoSuggestion = errors.New("no usable suggestion in provider response")

// Suggestion is the metadata a provider proposes for one document.
type Suggestion struct {
	Title         string   `json:"title"`
	Tags          []string `json:"tags"`
	Correspondent string   `json:"correspondent"`
	DocumentType  string   `json:"document_type"`
}

// Options carries the archive context given to the provider so it prefers
// existing names over inventing new ones.
type Options struct {
	ExistingTags           []string
	ExistingCorrespondents []string
	CustomPrompt           string
}

// Provider suggests metadata for extracted document text.
type Provider interface {
	Suggest(ctx context.Context, content string, opts Options) (Suggestion, error)
	Name() string
}

// New selects a provider from configuration.
func New(cfg config.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("openai provider requires an API key")
		}
		return NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

const systemPrompt = `You are a document archival assistant. Given the text of a scanned document, suggest metadata for filing it.
Respond with a single JSON object and nothing else, in this shape:
{"title": "...", "tags": ["..."], "correspondent": "...", "document_type": "..."}
Prefer names from the provided existing lists; only introduce a new tag or correspondent when none fits. Keep the title short and specific. Use an empty string when you cannot tell.`

// buildMessages assembles the system and user prompts shared by all
// providers.
func buildMessages(content string, opts Options) (system, user string) {
	system = systemPrompt
	if len(opts.ExistingTags) > 0 {
		system += "\nExisting tags: " + strings.Join(opts.ExistingTags, ", ")
	}
	if len(opts.ExistingCorrespondents) > 0 {
		system += "\nExisting correspondents: " + strings.Join(opts.ExistingCorrespondents, ", ")
	}
	if opts.CustomPrompt != "" {
		system += "\n\n" + opts.CustomPrompt
	}
	return system, content
}

// parseSuggestion extracts the JSON object from a provider reply. Models
// sometimes wrap the object in prose or code fences, so the first balanced
// braces are taken rather than requiring a clean body.
func parseSuggestion(reply string) (Suggestion, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Suggestion{}, ErrNoSuggestion
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(reply[start:end+1]), &s); err != nil {
		return Suggestion{}, fmt.Errorf("%w: %v", ErrNoSuggestion, err)
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return s, nil
}

// Archive is the slice of the paperless client the applier needs.
type Archive interface {
	ListTags(ctx context.Context) ([]paperless.NamedItem, error)
	ListCorrespondents(ctx context.Context) ([]paperless.NamedItem, error)
	ListDocumentTypes(ctx context.Context) ([]paperless.NamedItem, error)
	CreateTag(ctx context.Context, name string) (paperless.NamedItem, error)
	UpdateDocument(ctx context.Context, id int64, fields map[string]any) error
}

// Apply writes a suggestion back to the archive. Tags are resolved by name
// and created when missing; correspondent and document type are only set
// when an existing entry matches, so the registry is never polluted by a
// hallucinated name.
func Apply(ctx context.Context, archive Archive, documentID int64, s Suggestion) error {
	fields := map[string]any{}
	if s.Title != "" {
		fields["title"] = s.Title
	}

	if len(s.Tags) > 0 {
		tagIDs, err := resolveTags(ctx, archive, s.Tags)
		if err != nil {
			return err
		}
		fields["tags"] = tagIDs
	}

	if s.Correspondent != "" {
		if id, ok, err := lookupNamed(ctx, archive.ListCorrespondents, s.Correspondent); err != nil {
			return err
		} else if ok {
			fields["correspondent"] = id
		}
	}
	if s.DocumentType != "" {
		if id, ok, err := lookupNamed(ctx, archive.ListDocumentTypes, s.DocumentType); err != nil {
			return err
		} else if ok {
			fields["document_type"] = id
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return archive.UpdateDocument(ctx, documentID, fields)
}

func resolveTags(ctx context.Context, archive Archive, names []string) ([]int64, error) {
	existing, err := archive.ListTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}

	byName := make(map[string]int64, len(existing))
	for _, tag := range existing {
		byName[strings.ToLower(tag.Name)] = tag.ID
	}

	var ids []int64
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if id, ok := byName[strings.ToLower(name)]; ok {
			ids = append(ids, id)
			continue
		}
		created, err := archive.CreateTag(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("creating tag %q: %w", name, err)
		}
		byName[strings.ToLower(created.Name)] = created.ID
		ids = append(ids, created.ID)
	}
	return ids, nil
}

func lookupNamed(ctx context.Context, list func(context.Context) ([]paperless.NamedItem, error), name string) (int64, bool, error) {
	items, err := list(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, item := range items {
		if strings.EqualFold(item.Name, name) {
			return item.ID, true, nil
		}
	}
	return 0, false, nil
}
