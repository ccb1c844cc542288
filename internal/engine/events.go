package engine

import (
	"sync"
	"time"
)

// EventType discriminates batch lifecycle events.
type EventType string

const (
	EventStarted           EventType = "started"
	EventDocumentStarted   EventType = "documentStarted"
	EventDocumentCompleted EventType = "documentCompleted"
	EventCompleted         EventType = "completed"
	EventStopped           EventType = "stopped"
	EventError             EventType = "error"
)

// Event is the discriminated union delivered to observers. Type selects
// which payload pointer is set; all others are nil.
type Event struct {
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Started   *StartedPayload  `json:"started,omitempty"`
	Document  *DocumentPayload `json:"document,omitempty"`
	Summary   *BatchSummary    `json:"summary,omitempty"`
	Stopped   *StoppedPayload  `json:"stopped,omitempty"`
	Err       *ErrorPayload    `json:"error,omitempty"`
}

// StartedPayload accompanies EventStarted.
type StartedPayload struct {
	SessionID        string `json:"session_id"`
	TotalDocuments   int    `json:"total_documents"`
	SkippedDocuments int    `json:"skipped_documents"`
}

// DocumentPayload accompanies EventDocumentStarted and
// EventDocumentCompleted. Result and the running counters are only set on
// completion.
type DocumentPayload struct {
	DocumentID          int64           `json:"document_id"`
	DocumentIndex       int             `json:"document_index"`
	TotalDocuments      int             `json:"total_documents"`
	Result              *DocumentResult `json:"result,omitempty"`
	Progress            float64         `json:"progress,omitempty"`
	ProcessedDocuments  int             `json:"processed_documents,omitempty"`
	SuccessfulDocuments int             `json:"successful_documents,omitempty"`
	FailedDocuments     int             `json:"failed_documents,omitempty"`
}

// StoppedPayload accompanies the immediate EventStopped emitted by Stop.
type StoppedPayload struct {
	ProcessedDocuments  int `json:"processed_documents"`
	TotalDocuments      int `json:"total_documents"`
	SuccessfulDocuments int `json:"successful_documents"`
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// BatchSummary is the full outcome of one batch, carried by the terminal
// EventCompleted/EventStopped.
type BatchSummary struct {
	SessionID           string            `json:"session_id"`
	TotalDocuments      int               `json:"total_documents"`
	ProcessedDocuments  int               `json:"processed_documents"`
	SuccessfulDocuments int               `json:"successful_documents"`
	FailedDocuments     int               `json:"failed_documents"`
	SkippedDocuments    int               `json:"skipped_documents"`
	Errors              []ProcessingError `json:"errors"`
	StartTime           time.Time         `json:"start_time"`
	EndTime             time.Time         `json:"end_time"`
	Duration            time.Duration     `json:"duration"`
}

// ProcessingError is one failed document within a batch.
type ProcessingError struct {
	DocumentID int64     `json:"document_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

const subscriberBuffer = 64

// Broadcaster fans events out to any number of subscribers. Publishing
// never blocks: a subscriber that falls behind loses events rather than
// stalling the batch loop, and publishing with zero subscribers is a no-op.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a new observer. The returned cancel function must be
// called to release the subscription.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers, dropping it for any
// whose buffer is full.
func (b *Broadcaster) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
