// Package engine is the OCR batch job engine. It orchestrates
// single-document processing (download, OCR submission, extraction, content
// write-back, ledger bookkeeping) and sequential batch runs with
// cancellation, progress events, and durable sessions.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkfeed/paperocr/internal/extract"
	"github.com/inkfeed/paperocr/internal/ocr"
	"github.com/inkfeed/paperocr/internal/paperless"
	"github.com/inkfeed/paperocr/internal/pdfinfo"
	"github.com/inkfeed/paperocr/internal/storage"
)

// ErrAlreadyRunning is returned by StartBatch while a batch is active.
var ErrAlreadyRunning = errors.New("processing already in progress")

// ErrEmptyInput is returned by StartBatch for an empty document list.
var ErrEmptyInput = errors.New("no documents provided for processing")

// DocumentStore is the consumed slice of the paperless client.
type DocumentStore interface {
	GetDocumentForOCR(ctx context.Context, id int64) (*paperless.DocumentInfo, error)
	DownloadOriginal(ctx context.Context, id int64) ([]byte, error)
	UpdateContent(ctx context.Context, id int64, text string) error
}

// OCRClient is the consumed slice of the OCR backend client.
type OCRClient interface {
	Extract(ctx context.Context, filename, contentType string, data []byte) (*ocr.Response, error)
	IsAvailable(ctx context.Context) bool
}

// Ledger is the consumed slice of the processing ledger.
type Ledger interface {
	RecordStart(documentID int64, title string) error
	RecordSuccess(documentID int64, title string, originalLen, extractedLen, elapsedMs int64, rawResponse string) error
	RecordFailure(documentID int64, title, errorMessage string, elapsedMs int64) error
	IsProcessed(documentID int64) (bool, error)
	ProcessedDocumentIDs() ([]int64, error)
	DocumentHistory(documentID int64) ([]storage.ProcessingRecord, error)
	RecentHistory(limit int) ([]storage.ProcessingRecord, error)
	LatestSuccess(documentID int64) (storage.ProcessingRecord, error)
	ResetDocument(documentID int64) error
	ResetAll() error
	StartSession(sessionID string, totalDocuments int) error
	UpdateSession(sessionID string, successCount, failureCount int, status string) error
	GetStatistics() (storage.Statistics, error)
}

// DocumentResult is the outcome of one document's processing attempt. All
// outcomes, including failures and cancellation, are returned rather than
// raised so the batch loop can continue past them.
type DocumentResult struct {
	Success       bool    `json:"success"`
	DocumentID    int64   `json:"document_id"`
	DocumentTitle string  `json:"document_title,omitempty"`
	ExtractedText string  `json:"-"`
	MarkdownText  string  `json:"-"`
	HasMarkdown   bool    `json:"has_markdown,omitempty"`
	TextLength    int64   `json:"text_length,omitempty"`
	OriginalLen   int64   `json:"original_length,omitempty"`
	PageCount     int     `json:"page_count,omitempty"`
	ProcessingMs  int64   `json:"processing_time_ms"`
	Error         string  `json:"error,omitempty"`
	WasCancelled  bool    `json:"was_cancelled,omitempty"`
}

// CurrentDocument identifies the document the batch loop is working on.
type CurrentDocument struct {
	DocumentID int64 `json:"document_id"`
	Index      int   `json:"index"`
	Total      int   `json:"total"`
}

// Status is a point-in-time snapshot of the engine's runtime state.
type Status struct {
	IsProcessing        bool              `json:"is_processing"`
	Current             *CurrentDocument  `json:"current_document,omitempty"`
	SessionID           string            `json:"session_id,omitempty"`
	TotalDocuments      int               `json:"total_documents"`
	ProcessedDocuments  int               `json:"processed_documents"`
	SuccessfulDocuments int               `json:"successful_documents"`
	FailedDocuments     int               `json:"failed_documents"`
	Progress            float64           `json:"progress"`
	Errors              []ProcessingError `json:"errors"`
	StartTime           *time.Time        `json:"start_time,omitempty"`
	EstimatedCompletion *time.Time        `json:"estimated_completion,omitempty"`
	StopRequested       bool              `json:"stop_requested"`
}

// SessionStatistics summarizes the active (or most recent) batch.
type SessionStatistics struct {
	TotalProcessed int               `json:"total_processed"`
	Successful     int               `json:"successful"`
	Failed         int               `json:"failed"`
	SuccessRate    float64           `json:"success_rate"`
	Errors         []ProcessingError `json:"errors"`
}

// Statistics combines the running batch with ledger-wide aggregates.
type Statistics struct {
	CurrentSession SessionStatistics  `json:"current_session"`
	Overall        storage.Statistics `json:"overall"`
}

// Engine runs OCR jobs. One batch at a time per instance; administrative
// calls (Stop, Status) are safe from any goroutine.
type Engine struct {
	docs   DocumentStore
	ocr    OCRClient
	ledger Ledger
	events *Broadcaster
	delay  time.Duration
	logger *slog.Logger

	mu            sync.Mutex
	processing    bool
	stopRequested bool
	cancelBatch   context.CancelFunc
	sessionID     string
	total         int
	processed     int
	successful    int
	failed        int
	current       *CurrentDocument
	errs          []ProcessingError
	startTime     time.Time
}

// New creates an Engine with the given collaborators. If delay is <= 0 it
// defaults to 100ms, the pause between documents that keeps the
// single-capacity OCR backend from being hammered.
func New(docs DocumentStore, ocrClient OCRClient, ledger Ledger, delay time.Duration) *Engine {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &Engine{
		docs:   docs,
		ocr:    ocrClient,
		ledger: ledger,
		events: NewBroadcaster(),
		delay:  delay,
		logger: slog.Default(),
	}
}

// Events exposes the engine's event broadcaster for observers.
func (e *Engine) Events() *Broadcaster {
	return e.events
}

// ProcessOne runs the full pipeline for a single document: metadata lookup,
// ledger start record, file download, OCR submission, extraction, content
// write-back, and the terminal ledger record. It never returns an error;
// every outcome is carried in the result.
func (e *Engine) ProcessOne(ctx context.Context, documentID int64) DocumentResult {
	start := time.Now()
	title := fmt.Sprintf("Document %d", documentID)

	info, err := e.docs.GetDocumentForOCR(ctx, documentID)
	if err != nil {
		return e.fail(documentID, title, start, fmt.Sprintf("document %d not found in paperless: %v", documentID, err))
	}
	if info.Title != "" {
		title = info.Title
	}

	if err := e.ledger.RecordStart(documentID, title); err != nil {
		return e.fail(documentID, title, start, fmt.Sprintf("recording processing start: %v", err))
	}

	data, err := e.docs.DownloadOriginal(ctx, documentID)
	if err != nil {
		return e.fail(documentID, title, start, fmt.Sprintf("failed to download document %d: %v", documentID, err))
	}

	pageCount := 0
	if info.ContentType == "application/pdf" {
		if n, err := pdfinfo.PageCount(data); err == nil {
			pageCount = n
			e.logger.Debug("submitting pdf for OCR", "document_id", documentID, "pages", n, "bytes", len(data))
		}
	}

	if ctx.Err() != nil {
		return e.cancelled(documentID, title, start)
	}

	resp, err := e.ocr.Extract(ctx, ocr.FilenameFor(documentID, info.ContentType), info.ContentType, data)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			e.logger.Info("OCR submission cancelled", "document_id", documentID)
			return e.cancelled(documentID, title, start)
		}
		return e.fail(documentID, title, start, errorMessage(err))
	}

	res, err := extract.FromResponse(resp)
	if err != nil {
		return e.fail(documentID, title, start, err.Error())
	}

	if err := e.docs.UpdateContent(ctx, documentID, res.Text); err != nil {
		return e.fail(documentID, title, start, fmt.Sprintf("updating document content: %v", err))
	}

	elapsed := time.Since(start).Milliseconds()
	raw := enrichRawResponse(resp.Raw, res)
	if err := e.ledger.RecordSuccess(documentID, title, int64(len(info.Content)), int64(len(res.Text)), elapsed, raw); err != nil {
		e.logger.Error("recording processing success", "document_id", documentID, "error", err)
	}

	e.logger.Info("document processed", "document_id", documentID, "chars", len(res.Text), "elapsed_ms", elapsed)

	return DocumentResult{
		Success:       true,
		DocumentID:    documentID,
		DocumentTitle: title,
		ExtractedText: res.Text,
		MarkdownText:  res.Markdown,
		HasMarkdown:   res.HasMarkdown,
		TextLength:    int64(len(res.Text)),
		OriginalLen:   int64(len(info.Content)),
		PageCount:     pageCount,
		ProcessingMs:  elapsed,
	}
}

func (e *Engine) fail(documentID int64, title string, start time.Time, msg string) DocumentResult {
	elapsed := time.Since(start).Milliseconds()
	e.logger.Warn("document processing failed", "document_id", documentID, "error", msg)

	if err := e.ledger.RecordFailure(documentID, title, msg, elapsed); err != nil {
		e.logger.Error("recording processing failure", "document_id", documentID, "error", err)
	}

	e.mu.Lock()
	e.errs = append(e.errs, ProcessingError{
		DocumentID: documentID,
		Message:    msg,
		Timestamp:  time.Now().UTC(),
	})
	e.mu.Unlock()

	return DocumentResult{
		DocumentID:    documentID,
		DocumentTitle: title,
		ProcessingMs:  elapsed,
		Error:         msg,
	}
}

// cancelled builds the distinct non-error outcome for a user stop. The open
// ledger record is left as-is: cancellation is not a processing failure.
func (e *Engine) cancelled(documentID int64, title string, start time.Time) DocumentResult {
	return DocumentResult{
		DocumentID:    documentID,
		DocumentTitle: title,
		ProcessingMs:  time.Since(start).Milliseconds(),
		Error:         "processing stopped by user request",
		WasCancelled:  true,
	}
}

// errorMessage flattens OCR client errors; StatusError messages are already
// enriched per status class.
func errorMessage(err error) string {
	var se *ocr.StatusError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

// StartBatch validates and reserves a new batch, then runs it on an internal
// goroutine. It returns the session id, or "" when every document was
// filtered out as already processed (in which case a zero-count completed
// event is emitted and no session is created).
func (e *Engine) StartBatch(documentIDs []int64, skipProcessed bool) (string, error) {
	batchCtx, cancel := context.WithCancel(context.Background())

	// The running check comes before any filtering; a rejected call must
	// never touch the active batch's state or event stream.
	e.mu.Lock()
	if e.processing {
		e.mu.Unlock()
		cancel()
		return "", ErrAlreadyRunning
	}
	if len(documentIDs) == 0 {
		e.mu.Unlock()
		cancel()
		return "", ErrEmptyInput
	}
	e.processing = true
	e.stopRequested = false
	e.cancelBatch = cancel
	e.sessionID = ""
	e.total = 0
	e.processed = 0
	e.successful = 0
	e.failed = 0
	e.current = nil
	e.errs = nil
	e.startTime = time.Now().UTC()
	e.mu.Unlock()

	toProcess := documentIDs
	if skipProcessed {
		toProcess = e.filterUnprocessed(documentIDs)
	}
	skipped := len(documentIDs) - len(toProcess)

	if len(toProcess) == 0 {
		e.resetRuntimeState()
		cancel()
		e.logger.Info("all documents already processed", "requested", len(documentIDs))
		now := time.Now().UTC()
		e.events.Publish(Event{Type: EventCompleted, Summary: &BatchSummary{
			TotalDocuments:   len(documentIDs),
			SkippedDocuments: skipped,
			Errors:           []ProcessingError{},
			StartTime:        now,
			EndTime:          now,
		}})
		return "", nil
	}

	sessionID := fmt.Sprintf("ocr_%d_%s", time.Now().UnixMilli(), strings.Split(uuid.NewString(), "-")[0])

	e.mu.Lock()
	e.sessionID = sessionID
	e.total = len(toProcess)
	e.mu.Unlock()

	if err := e.ledger.StartSession(sessionID, len(toProcess)); err != nil {
		e.resetRuntimeState()
		cancel()
		return "", fmt.Errorf("starting processing session: %w", err)
	}

	e.logger.Info("starting batch OCR processing",
		"session_id", sessionID, "documents", len(toProcess), "skipped", skipped)

	e.events.Publish(Event{Type: EventStarted, Started: &StartedPayload{
		SessionID:        sessionID,
		TotalDocuments:   len(toProcess),
		SkippedDocuments: skipped,
	}})

	go e.runBatch(batchCtx, sessionID, toProcess, skipped)

	return sessionID, nil
}

func (e *Engine) filterUnprocessed(ids []int64) []int64 {
	var unprocessed []int64
	for _, id := range ids {
		done, err := e.ledger.IsProcessed(id)
		if err != nil {
			e.logger.Warn("checking processed state", "document_id", id, "error", err)
		}
		if !done {
			unprocessed = append(unprocessed, id)
		}
	}
	if n := len(ids) - len(unprocessed); n > 0 {
		e.logger.Info("filtered already processed documents", "count", n)
	}
	return unprocessed
}

func (e *Engine) runBatch(ctx context.Context, sessionID string, ids []int64, skipped int) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("batch processing failed", "session_id", sessionID, "panic", r)

			e.mu.Lock()
			successful, failed := e.successful, e.failed
			e.mu.Unlock()

			if err := e.ledger.UpdateSession(sessionID, successful, failed, storage.SessionFailed); err != nil {
				e.logger.Error("marking session failed", "session_id", sessionID, "error", err)
			}
			e.events.Publish(Event{Type: EventError, Err: &ErrorPayload{
				SessionID: sessionID,
				Message:   fmt.Sprint(r),
			}})
		}
		e.resetRuntimeState()
	}()

	for i, id := range ids {
		if e.shouldStop(ctx) {
			e.logger.Info("batch stopped by user request", "session_id", sessionID)
			break
		}

		e.mu.Lock()
		e.current = &CurrentDocument{DocumentID: id, Index: i + 1, Total: len(ids)}
		e.mu.Unlock()

		e.events.Publish(Event{Type: EventDocumentStarted, Document: &DocumentPayload{
			DocumentID:     id,
			DocumentIndex:  i + 1,
			TotalDocuments: len(ids),
		}})

		result := e.ProcessOne(ctx, id)

		e.mu.Lock()
		e.processed++
		if result.Success {
			e.successful++
		} else if !result.WasCancelled {
			e.failed++
		}
		processed, successful, failed := e.processed, e.successful, e.failed
		e.mu.Unlock()

		if err := e.ledger.UpdateSession(sessionID, successful, failed, storage.SessionRunning); err != nil {
			e.logger.Error("updating session", "session_id", sessionID, "error", err)
		}

		e.events.Publish(Event{Type: EventDocumentCompleted, Document: &DocumentPayload{
			DocumentID:          id,
			DocumentIndex:       i + 1,
			TotalDocuments:      len(ids),
			Result:              &result,
			Progress:            float64(processed) / float64(len(ids)) * 100,
			ProcessedDocuments:  processed,
			SuccessfulDocuments: successful,
			FailedDocuments:     failed,
		}})

		if result.WasCancelled {
			e.logger.Info("document processing cancelled, stopping batch", "session_id", sessionID)
			break
		}

		// Breather between documents so the OCR backend isn't saturated.
		select {
		case <-ctx.Done():
		case <-time.After(e.delay):
		}
	}

	e.mu.Lock()
	processed, successful, failed := e.processed, e.successful, e.failed
	stopped := e.stopRequested || ctx.Err() != nil
	errs := append([]ProcessingError(nil), e.errs...)
	startTime := e.startTime
	e.mu.Unlock()

	sessionStatus := storage.SessionCompleted
	eventType := EventCompleted
	if stopped {
		sessionStatus = storage.SessionStopped
		eventType = EventStopped
	}

	if err := e.ledger.UpdateSession(sessionID, successful, failed, sessionStatus); err != nil {
		e.logger.Error("finalizing session", "session_id", sessionID, "error", err)
	}

	e.logger.Info("batch processing finished",
		"session_id", sessionID, "successful", successful, "processed", processed, "status", sessionStatus)

	// Runtime state is cleared before the terminal event goes out so an
	// observer reacting to it sees the engine idle.
	e.resetRuntimeState()

	endTime := time.Now().UTC()
	if errs == nil {
		errs = []ProcessingError{}
	}
	e.events.Publish(Event{Type: eventType, Summary: &BatchSummary{
		SessionID:           sessionID,
		TotalDocuments:      len(ids),
		ProcessedDocuments:  processed,
		SuccessfulDocuments: successful,
		FailedDocuments:     failed,
		SkippedDocuments:    skipped,
		Errors:              errs,
		StartTime:           startTime,
		EndTime:             endTime,
		Duration:            endTime.Sub(startTime),
	}})
}

func (e *Engine) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

func (e *Engine) resetRuntimeState() {
	e.mu.Lock()
	e.processing = false
	e.stopRequested = false
	e.cancelBatch = nil
	e.current = nil
	e.mu.Unlock()
}

// Stop requests cancellation of the active batch. The batch context is
// cancelled directly, which aborts an in-flight OCR submission rather than
// merely skipping the next document. Returns false if nothing is running.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	if !e.processing {
		e.mu.Unlock()
		return false
	}
	cancel := e.cancelBatch
	payload := &StoppedPayload{
		ProcessedDocuments:  e.processed,
		TotalDocuments:      e.total,
		SuccessfulDocuments: e.successful,
	}
	e.mu.Unlock()

	e.logger.Info("stopping OCR processing")

	// The immediate stopped event goes out before the stop flag is raised or
	// the context cancelled; the batch goroutine can only wind down after
	// observing one of those, keeping the terminal summary last on the stream.
	e.events.Publish(Event{Type: EventStopped, Stopped: payload})

	e.mu.Lock()
	e.stopRequested = true
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// GetStatus returns a snapshot of the runtime state. The estimated
// completion extrapolates linearly from the average per-document time so
// far; it is only set while running with at least one document finished.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		IsProcessing:        e.processing,
		SessionID:           e.sessionID,
		TotalDocuments:      e.total,
		ProcessedDocuments:  e.processed,
		SuccessfulDocuments: e.successful,
		FailedDocuments:     e.failed,
		Errors:              append([]ProcessingError(nil), e.errs...),
		StopRequested:       e.stopRequested,
	}
	if e.current != nil {
		current := *e.current
		s.Current = &current
	}
	if !e.startTime.IsZero() {
		startTime := e.startTime
		s.StartTime = &startTime
	}
	if e.total > 0 {
		s.Progress = float64(e.processed) / float64(e.total) * 100
	}
	if s.Errors == nil {
		s.Errors = []ProcessingError{}
	}

	if e.processing && e.processed > 0 {
		now := time.Now().UTC()
		elapsed := now.Sub(e.startTime)
		avgPerDoc := elapsed / time.Duration(e.processed)
		remaining := e.total - e.processed
		eta := now.Add(avgPerDoc * time.Duration(remaining))
		s.EstimatedCompletion = &eta
	}
	return s
}

// GetStatistics combines the current batch counters with ledger-wide
// aggregates.
func (e *Engine) GetStatistics() (Statistics, error) {
	overall, err := e.ledger.GetStatistics()
	if err != nil {
		return Statistics{}, fmt.Errorf("reading ledger statistics: %w", err)
	}

	e.mu.Lock()
	session := SessionStatistics{
		TotalProcessed: e.processed,
		Successful:     e.successful,
		Failed:         e.failed,
		Errors:         append([]ProcessingError(nil), e.errs...),
	}
	e.mu.Unlock()

	if session.TotalProcessed > 0 {
		session.SuccessRate = float64(session.Successful) / float64(session.TotalProcessed) * 100
	}
	if session.Errors == nil {
		session.Errors = []ProcessingError{}
	}
	return Statistics{CurrentSession: session, Overall: overall}, nil
}

// TestService probes the OCR backend. Best effort; never returns an error.
func (e *Engine) TestService(ctx context.Context) bool {
	return e.ocr.IsAvailable(ctx)
}

// ProcessedDocumentIDs returns every successfully processed document id.
func (e *Engine) ProcessedDocumentIDs() ([]int64, error) {
	return e.ledger.ProcessedDocumentIDs()
}

// DocumentHistory returns the processing history for one document.
func (e *Engine) DocumentHistory(documentID int64) ([]storage.ProcessingRecord, error) {
	return e.ledger.DocumentHistory(documentID)
}

// RecentHistory returns the most recent processing records.
func (e *Engine) RecentHistory(limit int) ([]storage.ProcessingRecord, error) {
	return e.ledger.RecentHistory(limit)
}

// ResetDocument clears one document's history so it can be reprocessed.
func (e *Engine) ResetDocument(documentID int64) error {
	return e.ledger.ResetDocument(documentID)
}

// ResetAll clears the entire processing history.
func (e *Engine) ResetAll() error {
	return e.ledger.ResetAll()
}

// ProcessedText is the stored extraction replayed from the ledger.
type ProcessedText struct {
	DocumentID      int64      `json:"document_id"`
	DocumentTitle   string     `json:"document_title"`
	ExtractedText   string     `json:"extracted_text"`
	MarkdownText    string     `json:"markdown_text,omitempty"`
	ProcessingDate  *time.Time `json:"processing_date,omitempty"`
	ProcessingMs    int64      `json:"processing_time_ms"`
	OriginalLength  int64      `json:"original_content_length"`
	ExtractedLength int64      `json:"extracted_content_length"`
}

// storedResponse is the persisted OCR payload shape: the backend response
// plus the processing_info block the engine wrote at success time.
type storedResponse struct {
	ocr.Response
	ProcessingInfo struct {
		StructuredText string `json:"structured_text"`
		MarkdownText   string `json:"markdown_text"`
		HasMarkdown    bool   `json:"has_markdown"`
	} `json:"processing_info"`
}

// GetProcessedDocumentText replays the most recent successful attempt's
// stored payload through the extraction fallback chain, without re-querying
// the OCR backend.
func (e *Engine) GetProcessedDocumentText(documentID int64) (*ProcessedText, error) {
	rec, err := e.ledger.LatestSuccess(documentID)
	if err != nil {
		return nil, err
	}

	out := &ProcessedText{
		DocumentID:      documentID,
		DocumentTitle:   rec.DocumentTitle,
		ProcessingDate:  rec.CompletedAt,
		ProcessingMs:    rec.ProcessingMs,
		OriginalLength:  rec.OriginalLength,
		ExtractedLength: rec.ExtractedLength,
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(rec.OCRResponse), &stored); err == nil {
		switch {
		case stored.ProcessingInfo.StructuredText != "":
			out.ExtractedText = stored.ProcessingInfo.StructuredText
			out.MarkdownText = stored.ProcessingInfo.MarkdownText
		default:
			if res, err := extract.FromResponse(&stored.Response); err == nil {
				out.ExtractedText = res.Text
				out.MarkdownText = res.Markdown
			}
		}
	}

	if out.ExtractedText == "" && rec.ExtractedLength > 0 {
		// Older records predate full-text storage; only the length survived.
		out.ExtractedText = fmt.Sprintf(
			"[Text available - %d characters extracted]\n\nThis document was processed before extracted text was stored. Reprocess it to see the full text.",
			rec.ExtractedLength)
	}
	return out, nil
}

// enrichRawResponse merges the extraction result into the raw payload's
// processing_info so the text can be replayed later without the backend.
func enrichRawResponse(raw json.RawMessage, res extract.Result) string {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload = map[string]any{}
	}

	info, _ := payload["processing_info"].(map[string]any)
	if info == nil {
		info = map[string]any{}
	}
	info["structured_text"] = res.Text
	info["markdown_text"] = res.Markdown
	info["has_markdown"] = res.HasMarkdown
	payload["processing_info"] = info

	enriched, err := json.Marshal(payload)
	if err != nil {
		return string(raw)
	}
	return string(enriched)
}
