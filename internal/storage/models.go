package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Processing record statuses.
const (
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Session statuses.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionStopped   = "stopped"
	SessionFailed    = "failed"
)

// ProcessingRecord is one OCR attempt for a document. A document may have
// many records; the most recent terminal (success/failure) one is
// authoritative for "is processed" queries.
type ProcessingRecord struct {
	ID              int64      `json:"id"`
	DocumentID      int64      `json:"document_id"`
	DocumentTitle   string     `json:"document_title"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	OriginalLength  int64      `json:"original_content_length"`
	ExtractedLength int64      `json:"extracted_content_length"`
	ProcessingMs    int64      `json:"processing_time_ms"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	OCRResponse     string     `json:"-"` // raw serialized OCR payload, success only
}

// ProcessingSession is the durable record of one batch invocation.
type ProcessingSession struct {
	SessionID      string    `json:"session_id"`
	TotalDocuments int       `json:"total_documents"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Statistics aggregates the whole ledger.
type Statistics struct {
	TotalAttempts      int     `json:"total_attempts"`
	Successes          int     `json:"successes"`
	Failures           int     `json:"failures"`
	ProcessedDocuments int     `json:"processed_documents"` // distinct documents whose latest terminal record is a success
	SuccessRate        float64 `json:"success_rate"`        // percentage over terminal attempts
	AvgProcessingMs    float64 `json:"avg_processing_ms"`   // over successful attempts
}
