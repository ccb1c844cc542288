// Package paperless is the REST client for the paperless-ngx document
// archive: document metadata, original file download, content write-back,
// thumbnails, and the tag/correspondent/type registries.
package paperless

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
)

// ErrNotFound is returned when the archive has no such resource.
var ErrNotFound = errors.New("not found in paperless")

const maxDownloadSize = 100 << 20 // 100MB

// Client communicates with a paperless-ngx instance over its REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for the given paperless base URL and API token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Document mirrors the fields of the paperless document serializer this
// service reads and writes.
type Document struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	Created       string  `json:"created"`
	Tags          []int64 `json:"tags"`
	Correspondent *int64  `json:"correspondent"`
	DocumentType  *int64  `json:"document_type"`
}

// DocumentInfo is the subset of document state the OCR engine needs.
type DocumentInfo struct {
	ID          int64
	Title       string
	Content     string
	ContentType string
}

// NamedItem is a tag, correspondent, or document type.
type NamedItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GetDocumentForOCR fetches a document's title, current content, and
// original mime type. A missing metadata endpoint degrades to the pdf
// default rather than failing the whole lookup.
func (c *Client) GetDocumentForOCR(ctx context.Context, id int64) (*DocumentInfo, error) {
	var doc Document
	if err := c.getJSON(ctx, fmt.Sprintf("/api/documents/%d/", id), &doc); err != nil {
		return nil, err
	}

	info := &DocumentInfo{
		ID:          doc.ID,
		Title:       doc.Title,
		Content:     doc.Content,
		ContentType: "application/pdf",
	}

	var meta struct {
		OriginalMimeType string `json:"original_mime_type"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/api/documents/%d/metadata/", id), &meta); err == nil && meta.OriginalMimeType != "" {
		info.ContentType = meta.OriginalMimeType
	}
	return info, nil
}

// DownloadOriginal fetches the original file bytes for a document.
func (c *Client) DownloadOriginal(ctx context.Context, id int64) ([]byte, error) {
	return c.getBytes(ctx, fmt.Sprintf("/api/documents/%d/download/?original=true", id))
}

// GetThumbnail fetches the thumbnail image for a document.
func (c *Client) GetThumbnail(ctx context.Context, id int64) ([]byte, error) {
	return c.getBytes(ctx, fmt.Sprintf("/api/documents/%d/thumb/", id))
}

// UpdateContent replaces a document's content field with the given text.
func (c *Client) UpdateContent(ctx context.Context, id int64, text string) error {
	return c.patchDocument(ctx, id, map[string]any{"content": text})
}

// UpdateDocument applies arbitrary field changes to a document (used by the
// classification write-back: title, tags, correspondent, document_type).
func (c *Client) UpdateDocument(ctx context.Context, id int64, fields map[string]any) error {
	return c.patchDocument(ctx, id, fields)
}

func (c *Client) patchDocument(ctx context.Context, id int64, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshaling document update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+fmt.Sprintf("/api/documents/%d/", id), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating update request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("updating document %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("updating document %d: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

// ListDocuments returns up to limit documents, newest first.
func (c *Client) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var page struct {
		Results []Document `json:"results"`
	}
	path := fmt.Sprintf("/api/documents/?ordering=-created&page_size=%d", limit)
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

// ListTags returns all tags in the archive.
func (c *Client) ListTags(ctx context.Context) ([]NamedItem, error) {
	return c.listNamed(ctx, "/api/tags/")
}

// ListCorrespondents returns all correspondents in the archive.
func (c *Client) ListCorrespondents(ctx context.Context) ([]NamedItem, error) {
	return c.listNamed(ctx, "/api/correspondents/")
}

// ListDocumentTypes returns all document types in the archive.
func (c *Client) ListDocumentTypes(ctx context.Context) ([]NamedItem, error) {
	return c.listNamed(ctx, "/api/document_types/")
}

// CreateTag creates a new tag and returns it.
func (c *Client) CreateTag(ctx context.Context, name string) (NamedItem, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return NamedItem{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tags/", bytes.NewReader(body))
	if err != nil {
		return NamedItem{}, fmt.Errorf("creating tag request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NamedItem{}, fmt.Errorf("creating tag %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return NamedItem{}, fmt.Errorf("creating tag %q: unexpected status %d", name, resp.StatusCode)
	}

	var item NamedItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return NamedItem{}, fmt.Errorf("decoding created tag: %w", err)
	}
	return item, nil
}

// listNamed walks a paginated registry endpoint until the last page.
func (c *Client) listNamed(ctx context.Context, path string) ([]NamedItem, error) {
	var items []NamedItem
	next := path + "?page_size=100"

	for next != "" {
		var page struct {
			Next    *string     `json:"next"`
			Results []NamedItem `json:"results"`
		}
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Results...)

		next = ""
		if page.Next != nil {
			// The API returns absolute URLs for the next page.
			next = strings.TrimPrefix(*page.Next, c.baseURL)
		}
	}
	return items, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("requesting %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) getBytes(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting %s: unexpected status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.token)
}
