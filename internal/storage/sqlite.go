package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the processing ledger: one table of
// per-attempt records and one of batch sessions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "paperocr.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in
// ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Processing records ---

// RecordStart opens a new processing attempt for a document. The caller must
// close it with RecordSuccess or RecordFailure before opening another.
func (s *Store) RecordStart(documentID int64, title string) error {
	_, err := s.db.Exec(`
		INSERT INTO processing_records (document_id, document_title, status, started_at)
		VALUES (?, ?, ?, ?)`,
		documentID, title, StatusStarted, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// RecordSuccess closes the open attempt for documentID with a success. If no
// attempt is open, a complete terminal record is inserted instead.
func (s *Store) RecordSuccess(documentID int64, title string, originalLen, extractedLen, elapsedMs int64, rawResponse string) error {
	return s.closeAttempt(documentID, title, StatusSuccess, func(now string) (sql.Result, error) {
		return s.db.Exec(`
			UPDATE processing_records
			SET status = ?, document_title = ?, completed_at = ?,
			    original_content_length = ?, extracted_content_length = ?,
			    processing_time_ms = ?, ocr_response = ?
			WHERE id = (
				SELECT id FROM processing_records
				WHERE document_id = ? AND status = ?
				ORDER BY id DESC LIMIT 1
			)`,
			StatusSuccess, title, now, originalLen, extractedLen, elapsedMs, rawResponse,
			documentID, StatusStarted,
		)
	}, func(now string) error {
		_, err := s.db.Exec(`
			INSERT INTO processing_records (document_id, document_title, status, started_at, completed_at,
				original_content_length, extracted_content_length, processing_time_ms, ocr_response)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			documentID, title, StatusSuccess, now, now, originalLen, extractedLen, elapsedMs, rawResponse,
		)
		return err
	})
}

// RecordFailure closes the open attempt for documentID with a failure. If no
// attempt is open, a complete terminal record is inserted instead.
func (s *Store) RecordFailure(documentID int64, title, errorMessage string, elapsedMs int64) error {
	return s.closeAttempt(documentID, title, StatusFailure, func(now string) (sql.Result, error) {
		return s.db.Exec(`
			UPDATE processing_records
			SET status = ?, document_title = ?, completed_at = ?,
			    processing_time_ms = ?, error_message = ?
			WHERE id = (
				SELECT id FROM processing_records
				WHERE document_id = ? AND status = ?
				ORDER BY id DESC LIMIT 1
			)`,
			StatusFailure, title, now, elapsedMs, errorMessage,
			documentID, StatusStarted,
		)
	}, func(now string) error {
		_, err := s.db.Exec(`
			INSERT INTO processing_records (document_id, document_title, status, started_at, completed_at,
				processing_time_ms, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			documentID, title, StatusFailure, now, now, elapsedMs, errorMessage,
		)
		return err
	})
}

func (s *Store) closeAttempt(documentID int64, title, status string, update func(now string) (sql.Result, error), insert func(now string) error) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := update(now)
	if err != nil {
		return fmt.Errorf("closing attempt for document %d: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if err := insert(now); err != nil {
			return fmt.Errorf("recording %s for document %d: %w", status, documentID, err)
		}
	}
	return nil
}

// IsProcessed reports whether the most recent terminal record for documentID
// is a success.
func (s *Store) IsProcessed(documentID int64) (bool, error) {
	var status string
	err := s.db.QueryRow(`
		SELECT status FROM processing_records
		WHERE document_id = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1`,
		documentID, StatusSuccess, StatusFailure,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusSuccess, nil
}

// ProcessedDocumentIDs returns every document whose latest terminal record is
// a success, in ascending id order.
func (s *Store) ProcessedDocumentIDs() ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT document_id FROM processing_records
		WHERE id IN (
			SELECT MAX(id) FROM processing_records
			WHERE status IN (?, ?)
			GROUP BY document_id
		) AND status = ?
		ORDER BY document_id ASC`,
		StatusSuccess, StatusFailure, StatusSuccess,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const recordColumns = `id, document_id, document_title, status, started_at, completed_at,
	original_content_length, extracted_content_length, processing_time_ms, error_message, ocr_response`

// DocumentHistory returns all records for a document, newest first.
func (s *Store) DocumentHistory(documentID int64) ([]ProcessingRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+recordColumns+` FROM processing_records
		WHERE document_id = ? ORDER BY id DESC`, documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecentHistory returns the most recent records across all documents.
func (s *Store) RecentHistory(limit int) ([]ProcessingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+recordColumns+` FROM processing_records
		ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LatestSuccess returns the most recent successful record for a document.
func (s *Store) LatestSuccess(documentID int64) (ProcessingRecord, error) {
	row := s.db.QueryRow(`
		SELECT `+recordColumns+` FROM processing_records
		WHERE document_id = ? AND status = ?
		ORDER BY id DESC LIMIT 1`,
		documentID, StatusSuccess,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return ProcessingRecord{}, ErrNotFound
	}
	if err != nil {
		return ProcessingRecord{}, err
	}
	return rec, nil
}

// ResetDocument deletes all records for one document, re-enabling
// reprocessing.
func (s *Store) ResetDocument(documentID int64) error {
	_, err := s.db.Exec(`DELETE FROM processing_records WHERE document_id = ?`, documentID)
	return err
}

// ResetAll deletes every processing record.
func (s *Store) ResetAll() error {
	_, err := s.db.Exec(`DELETE FROM processing_records`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ProcessingRecord, error) {
	var r ProcessingRecord
	var startedAt string
	var completedAt, errorMessage, ocrResponse sql.NullString
	var originalLen, extractedLen, processingMs sql.NullInt64

	err := row.Scan(&r.ID, &r.DocumentID, &r.DocumentTitle, &r.Status, &startedAt, &completedAt,
		&originalLen, &extractedLen, &processingMs, &errorMessage, &ocrResponse)
	if err != nil {
		return ProcessingRecord{}, err
	}

	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return ProcessingRecord{}, fmt.Errorf("parsing started_at: %w", err)
	}
	r.StartedAt = t

	if completedAt.Valid {
		ct, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return ProcessingRecord{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		r.CompletedAt = &ct
	}
	r.OriginalLength = originalLen.Int64
	r.ExtractedLength = extractedLen.Int64
	r.ProcessingMs = processingMs.Int64
	r.ErrorMessage = errorMessage.String
	r.OCRResponse = ocrResponse.String
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]ProcessingRecord, error) {
	var results []ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// --- Processing sessions ---

// StartSession creates a new running session row.
func (s *Store) StartSession(sessionID string, totalDocuments int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO processing_sessions (session_id, total_documents, success_count, failure_count, status, started_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?, ?)`,
		sessionID, totalDocuments, SessionRunning, now, now,
	)
	return err
}

// UpdateSession updates the counters and status of a session.
func (s *Store) UpdateSession(sessionID string, successCount, failureCount int, status string) error {
	res, err := s.db.Exec(`
		UPDATE processing_sessions
		SET success_count = ?, failure_count = ?, status = ?, updated_at = ?
		WHERE session_id = ?`,
		successCount, failureCount, status, time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(sessionID string) (ProcessingSession, error) {
	row := s.db.QueryRow(`
		SELECT session_id, total_documents, success_count, failure_count, status, started_at, updated_at
		FROM processing_sessions WHERE session_id = ?`, sessionID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return ProcessingSession{}, ErrNotFound
	}
	return sess, err
}

// RecentSessions returns the most recent sessions, newest first.
func (s *Store) RecentSessions(limit int) ([]ProcessingSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT session_id, total_documents, success_count, failure_count, status, started_at, updated_at
		FROM processing_sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProcessingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

func scanSession(row rowScanner) (ProcessingSession, error) {
	var sess ProcessingSession
	var startedAt, updatedAt string
	if err := row.Scan(&sess.SessionID, &sess.TotalDocuments, &sess.SuccessCount, &sess.FailureCount,
		&sess.Status, &startedAt, &updatedAt); err != nil {
		return ProcessingSession{}, err
	}
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return ProcessingSession{}, fmt.Errorf("parsing started_at: %w", err)
	}
	sess.StartedAt = t
	u, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return ProcessingSession{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	sess.UpdatedAt = u
	return sess, nil
}

// --- Statistics ---

// GetStatistics aggregates counts across the whole ledger.
func (s *Store) GetStatistics() (Statistics, error) {
	var stats Statistics
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = ? THEN processing_time_ms END), 0)
		FROM processing_records
		WHERE status IN (?, ?)`,
		StatusSuccess, StatusFailure, StatusSuccess, StatusSuccess, StatusFailure,
	).Scan(&stats.TotalAttempts, &stats.Successes, &stats.Failures, &stats.AvgProcessingMs)
	if err != nil {
		return Statistics{}, err
	}

	ids, err := s.ProcessedDocumentIDs()
	if err != nil {
		return Statistics{}, err
	}
	stats.ProcessedDocuments = len(ids)

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.TotalAttempts) * 100
	}
	return stats, nil
}
