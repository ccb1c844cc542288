// Package ocr is the HTTP client for the remote OCR backend: a health probe
// plus multipart document submission to /ocr/extract.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const (
	defaultExtractTimeout = 5 * time.Minute
	defaultHealthTimeout  = 5 * time.Second
)

// Params are the extraction tunables forwarded as form fields with every
// submission.
type Params struct {
	CleanText         bool
	MinConfidence     float64
	PreserveLayout    bool
	IncludeConfidence bool
	IncludeBboxes     bool
	ForceOCR          bool
}

// DefaultParams mirror the backend's recommended settings.
func DefaultParams() Params {
	return Params{
		CleanText:         true,
		MinConfidence:     0.4,
		PreserveLayout:    true,
		IncludeConfidence: true,
		IncludeBboxes:     true,
		ForceOCR:          false,
	}
}

// Client communicates with the OCR backend over HTTP.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	params         Params
	extractTimeout time.Duration
	healthTimeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithParams overrides the default extraction parameters.
func WithParams(p Params) Option {
	return func(c *Client) { c.params = p }
}

// WithExtractTimeout overrides the per-submission timeout. OCR of large
// multi-page documents can legitimately take minutes.
func WithExtractTimeout(d time.Duration) Option {
	return func(c *Client) { c.extractTimeout = d }
}

// WithHealthTimeout overrides the health probe timeout.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) { c.healthTimeout = d }
}

// New creates a Client targeting the given OCR backend base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // per-request timeouts come from contexts
		},
		params:         DefaultParams(),
		extractTimeout: defaultExtractTimeout,
		healthTimeout:  defaultHealthTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HealthInfo mirrors the JSON returned by GET /health.
type HealthInfo struct {
	Status           string   `json:"status"`
	PredictorsLoaded bool     `json:"predictors_loaded"`
	SupportedFormats []string `json:"supported_formats"`
	Version          string   `json:"version"`
}

// Health queries the backend's health endpoint.
func (c *Client) Health(ctx context.Context) (HealthInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthInfo{}, fmt.Errorf("creating health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthInfo{}, fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthInfo{}, fmt.Errorf("health check: unexpected status %d", resp.StatusCode)
	}

	var info HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return HealthInfo{}, fmt.Errorf("decoding health response: %w", err)
	}
	return info, nil
}

// IsAvailable reports whether the backend is reachable and ready. It never
// returns an error; any failure degrades to "unavailable".
func (c *Client) IsAvailable(ctx context.Context) bool {
	info, err := c.Health(ctx)
	if err != nil {
		return false
	}
	return info.Status == "healthy"
}

// Page is one page of a structured OCR response.
type Page struct {
	Text string `json:"text"`
}

// Response is the JSON payload returned by POST /ocr/extract. Raw preserves
// the undecoded body so successful responses can be persisted and replayed
// without re-querying the backend.
type Response struct {
	Success          bool   `json:"success"`
	FullText         string `json:"full_text"`
	CleanText        string `json:"clean_text"`
	Pages            []Page `json:"pages"`
	ExtractionMethod string `json:"extraction_method"`
	TotalPages       int    `json:"total_pages"`

	// Legacy field names still produced by older backend versions.
	StructuredText   string `json:"structured_text"`
	MarkdownText     string `json:"markdown_text"`
	FullDocumentText string `json:"full_document_text"`

	Raw json.RawMessage `json:"-"`
}

// StatusError is returned when the backend answers with a non-200 status.
// The message is enriched per status class so failures are diagnosable from
// the ledger alone.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}

// errorBody is the backend's error JSON shape: {"detail": ...} or
// {"error": ...}.
type errorBody struct {
	Detail string `json:"detail"`
	Err    string `json:"error"`
}

// Extract submits document bytes for OCR. The call honors ctx cancellation,
// so an in-flight submission can be aborted mid-request.
func (c *Client) Extract(ctx context.Context, filename, contentType string, data []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.extractTimeout)
	defer cancel()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("writing form file: %w", err)
	}

	fields := map[string]string{
		"clean_text":         strconv.FormatBool(c.params.CleanText),
		"min_confidence":     strconv.FormatFloat(c.params.MinConfidence, 'f', -1, 64),
		"preserve_layout":    strconv.FormatBool(c.params.PreserveLayout),
		"include_confidence": strconv.FormatBool(c.params.IncludeConfidence),
		"include_bboxes":     strconv.FormatBool(c.params.IncludeBboxes),
		"force_ocr":          strconv.FormatBool(c.params.ForceOCR),
	}
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("writing form field %s: %w", key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr/extract", &buf)
	if err != nil {
		return nil, fmt.Errorf("creating extract request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting document for OCR: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading extract response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, enrichStatusError(resp.StatusCode, body)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding extract response: %w", err)
	}
	out.Raw = body
	return &out, nil
}

// enrichStatusError classifies backend failures: 400 means the request (or
// file format) was rejected, 500 means OCR itself failed. Other statuses
// pass the backend's message through.
func enrichStatusError(code int, body []byte) *StatusError {
	msg := fmt.Sprintf("unexpected status %d", code)
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Detail != "" {
			msg = eb.Detail
		} else if eb.Err != "" {
			msg = eb.Err
		}
	}

	switch code {
	case http.StatusBadRequest:
		msg = "unsupported file format or invalid request: " + msg
	case http.StatusInternalServerError:
		msg = "OCR processing failed: " + msg
	}
	return &StatusError{Code: code, Message: msg}
}

// fileExtensions maps document content types to the extension used in the
// uploaded filename.
var fileExtensions = map[string]string{
	"application/pdf": "pdf",
	"image/jpeg":      "jpg",
	"image/jpg":       "jpg",
	"image/png":       "png",
	"image/tiff":      "tiff",
	"image/bmp":       "bmp",
	"image/gif":       "gif",
}

// FilenameFor builds the upload filename for a document. Unknown content
// types fall back to pdf, the archive's dominant format.
func FilenameFor(documentID int64, contentType string) string {
	ext, ok := fileExtensions[contentType]
	if !ok {
		ext = "pdf"
	}
	return fmt.Sprintf("document_%d.%s", documentID, ext)
}
