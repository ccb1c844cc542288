package storage

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestRecordLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordStart(7, "tax return"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}

	processed, err := s.IsProcessed(7)
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if processed {
		t.Error("document with only a started record should not be processed")
	}

	if err := s.RecordFailure(7, "tax return", "ocr timeout", 10); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	processed, err = s.IsProcessed(7)
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if processed {
		t.Error("document whose latest terminal record is a failure should not be processed")
	}

	// A later successful attempt supersedes the failure.
	if err := s.RecordStart(7, "tax return"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := s.RecordSuccess(7, "tax return", 100, 80, 5, `{"success":true}`); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	processed, err = s.IsProcessed(7)
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !processed {
		t.Error("document whose latest terminal record is a success should be processed")
	}

	history, err := s.DocumentHistory(7)
	if err != nil {
		t.Fatalf("DocumentHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (started rows closed in place)", len(history))
	}
	if history[0].Status != StatusSuccess {
		t.Errorf("newest record status = %q, want success", history[0].Status)
	}
	if history[1].Status != StatusFailure {
		t.Errorf("older record status = %q, want failure", history[1].Status)
	}
	if history[0].ExtractedLength != 80 {
		t.Errorf("extracted length = %d, want 80", history[0].ExtractedLength)
	}
	if history[0].CompletedAt == nil {
		t.Error("terminal record should have completed_at set")
	}
}

func TestCloseWithoutOpenAttemptInserts(t *testing.T) {
	s := openTestStore(t)

	// No RecordStart call first: the terminal record is inserted whole.
	if err := s.RecordSuccess(3, "receipt", 0, 42, 9, `{}`); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	history, err := s.DocumentHistory(3)
	if err != nil {
		t.Fatalf("DocumentHistory: %v", err)
	}
	if len(history) != 1 || history[0].Status != StatusSuccess {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestProcessedDocumentIDs(t *testing.T) {
	s := openTestStore(t)

	mustSuccess(t, s, 1)
	mustSuccess(t, s, 2)
	mustFailure(t, s, 3)

	// Document 2 later fails: its latest terminal record wins.
	mustFailure(t, s, 2)

	ids, err := s.ProcessedDocumentIDs()
	if err != nil {
		t.Fatalf("ProcessedDocumentIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Errorf("processed ids = %v, want [1]", ids)
	}
}

func TestResetDocument(t *testing.T) {
	s := openTestStore(t)

	mustSuccess(t, s, 5)
	mustSuccess(t, s, 6)

	if err := s.ResetDocument(5); err != nil {
		t.Fatalf("ResetDocument: %v", err)
	}

	processed, _ := s.IsProcessed(5)
	if processed {
		t.Error("document 5 should not be processed after reset")
	}
	processed, _ = s.IsProcessed(6)
	if !processed {
		t.Error("document 6 should be untouched by the reset of document 5")
	}

	if err := s.ResetAll(); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	history, err := s.RecentHistory(10)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("records remain after ResetAll: %d", len(history))
	}
}

func TestRecentHistoryLimit(t *testing.T) {
	s := openTestStore(t)

	for id := int64(1); id <= 5; id++ {
		mustSuccess(t, s, id)
	}

	history, err := s.RecentHistory(3)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	// Newest first.
	if history[0].DocumentID != 5 || history[2].DocumentID != 3 {
		t.Errorf("unexpected ordering: %d, %d, %d",
			history[0].DocumentID, history[1].DocumentID, history[2].DocumentID)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.StartSession("ocr_1", 3); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	sess, err := s.GetSession("ocr_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != SessionRunning || sess.TotalDocuments != 3 {
		t.Errorf("unexpected session: %+v", sess)
	}

	if err := s.UpdateSession("ocr_1", 2, 1, SessionCompleted); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	sess, err = s.GetSession("ocr_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.SuccessCount != 2 || sess.FailureCount != 1 || sess.Status != SessionCompleted {
		t.Errorf("unexpected session after update: %+v", sess)
	}

	if err := s.UpdateSession("missing", 0, 0, SessionFailed); err != ErrNotFound {
		t.Errorf("UpdateSession on missing session = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession("missing"); err != ErrNotFound {
		t.Errorf("GetSession on missing session = %v, want ErrNotFound", err)
	}
}

func TestStatistics(t *testing.T) {
	s := openTestStore(t)

	mustSuccess(t, s, 1)
	mustSuccess(t, s, 2)
	mustFailure(t, s, 3)
	mustFailure(t, s, 1) // document 1 regresses; no longer counts as processed

	stats, err := s.GetStatistics()
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TotalAttempts != 4 {
		t.Errorf("total attempts = %d, want 4", stats.TotalAttempts)
	}
	if stats.Successes != 2 || stats.Failures != 2 {
		t.Errorf("successes/failures = %d/%d, want 2/2", stats.Successes, stats.Failures)
	}
	if stats.ProcessedDocuments != 1 {
		t.Errorf("processed documents = %d, want 1 (only document 2)", stats.ProcessedDocuments)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("success rate = %v, want 50", stats.SuccessRate)
	}
}

func TestLatestSuccess(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LatestSuccess(9); err != ErrNotFound {
		t.Fatalf("LatestSuccess on empty ledger = %v, want ErrNotFound", err)
	}

	if err := s.RecordStart(9, "letter"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := s.RecordSuccess(9, "letter", 10, 20, 30, `{"success":true,"full_text":"hello"}`); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	rec, err := s.LatestSuccess(9)
	if err != nil {
		t.Fatalf("LatestSuccess: %v", err)
	}
	if rec.OCRResponse != `{"success":true,"full_text":"hello"}` {
		t.Errorf("stored OCR response = %q", rec.OCRResponse)
	}
}

func mustSuccess(t *testing.T, s *Store, id int64) {
	t.Helper()
	if err := s.RecordStart(id, "doc"); err != nil {
		t.Fatalf("RecordStart(%d): %v", id, err)
	}
	if err := s.RecordSuccess(id, "doc", 10, 10, 1, `{}`); err != nil {
		t.Fatalf("RecordSuccess(%d): %v", id, err)
	}
}

func mustFailure(t *testing.T, s *Store, id int64) {
	t.Helper()
	if err := s.RecordStart(id, "doc"); err != nil {
		t.Fatalf("RecordStart(%d): %v", id, err)
	}
	if err := s.RecordFailure(id, "doc", "boom", 1); err != nil {
		t.Fatalf("RecordFailure(%d): %v", id, err)
	}
}
