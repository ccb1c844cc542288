package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inkfeed/paperocr/internal/classify"
	"github.com/inkfeed/paperocr/internal/engine"
	"github.com/inkfeed/paperocr/internal/paperless"
	"github.com/inkfeed/paperocr/internal/storage"
)

type fakeEngine struct {
	events *engine.Broadcaster

	startErr     error
	sessionID    string
	startedIDs   []int64
	startedSkip  bool
	stopped      bool
	status       engine.Status
	text         *engine.ProcessedText
	textErr      error
	resetIDs     []int64
	resetAll     bool
	recent       []storage.ProcessingRecord
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: engine.NewBroadcaster(), sessionID: "ocr_1_abcd1234"}
}

func (f *fakeEngine) StartBatch(ids []int64, skip bool) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.startedIDs = ids
	f.startedSkip = skip
	return f.sessionID, nil
}

func (f *fakeEngine) ProcessOne(_ context.Context, id int64) engine.DocumentResult {
	return engine.DocumentResult{Success: true, DocumentID: id, TextLength: 5}
}

func (f *fakeEngine) Stop() bool {
	f.stopped = true
	return true
}

func (f *fakeEngine) GetStatus() engine.Status { return f.status }

func (f *fakeEngine) GetStatistics() (engine.Statistics, error) {
	return engine.Statistics{}, nil
}

func (f *fakeEngine) TestService(context.Context) bool { return true }

func (f *fakeEngine) ProcessedDocumentIDs() ([]int64, error) { return []int64{1, 2}, nil }

func (f *fakeEngine) DocumentHistory(int64) ([]storage.ProcessingRecord, error) {
	return f.recent, nil
}

func (f *fakeEngine) RecentHistory(int) ([]storage.ProcessingRecord, error) {
	return f.recent, nil
}

func (f *fakeEngine) GetProcessedDocumentText(int64) (*engine.ProcessedText, error) {
	return f.text, f.textErr
}

func (f *fakeEngine) ResetDocument(id int64) error {
	f.resetIDs = append(f.resetIDs, id)
	return nil
}

func (f *fakeEngine) ResetAll() error {
	f.resetAll = true
	return nil
}

func (f *fakeEngine) Events() *engine.Broadcaster { return f.events }

type fakeThumbs struct {
	data    map[int64][]byte
	evicted []int64
}

func (f *fakeThumbs) Get(_ context.Context, id int64) ([]byte, error) {
	data, ok := f.data[id]
	if !ok {
		return nil, paperless.ErrNotFound
	}
	return data, nil
}

func (f *fakeThumbs) Evict(id int64) error {
	f.evicted = append(f.evicted, id)
	return nil
}

const testToken = "secret"

func newTestServer(t *testing.T, eng OCREngine) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(Deps{
		Engine:   eng,
		Thumbs:   &fakeThumbs{data: map[int64][]byte{5: []byte("png")}},
		APIToken: testToken,
		Version:  "test",
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeClassifier struct {
	suggestion classify.Suggestion
}

func (f *fakeClassifier) Suggest(context.Context, string, classify.Options) (classify.Suggestion, error) {
	return f.suggestion, nil
}

func (f *fakeClassifier) Name() string { return "fake" }

type fakeArchive struct {
	updated map[string]any
}

func (f *fakeArchive) ListTags(context.Context) ([]paperless.NamedItem, error) {
	return []paperless.NamedItem{{ID: 1, Name: "invoice"}}, nil
}

func (f *fakeArchive) ListCorrespondents(context.Context) ([]paperless.NamedItem, error) {
	return nil, nil
}

func (f *fakeArchive) ListDocumentTypes(context.Context) ([]paperless.NamedItem, error) {
	return nil, nil
}

func (f *fakeArchive) CreateTag(_ context.Context, name string) (paperless.NamedItem, error) {
	return paperless.NamedItem{ID: 99, Name: name}, nil
}

func (f *fakeArchive) UpdateDocument(_ context.Context, _ int64, fields map[string]any) error {
	f.updated = fields
	return nil
}

func doRequest(t *testing.T, method, url, body string, authed bool) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())
	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["ocr_available"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())

	resp := doRequest(t, http.MethodGet, srv.URL+"/ocr/status", "", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/ocr/status", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthQueryTokenFallback(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())
	resp := doRequest(t, http.MethodGet, srv.URL+"/ocr/status?token="+testToken, "", false)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token status = %d, want 200", resp.StatusCode)
	}
}

func TestProcessBatch(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	resp := doRequest(t, http.MethodPost, srv.URL+"/ocr/process", `{"document_ids":[1,2,3]}`, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["session_id"] != "ocr_1_abcd1234" {
		t.Errorf("body = %v", body)
	}
	if len(eng.startedIDs) != 3 {
		t.Errorf("started ids = %v", eng.startedIDs)
	}
	if !eng.startedSkip {
		t.Error("skip_processed should default to true")
	}
}

func TestProcessBatchSkipOptOut(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	doRequest(t, http.MethodPost, srv.URL+"/ocr/process", `{"document_ids":[1],"skip_processed":false}`, true)
	if eng.startedSkip {
		t.Error("skip_processed=false was not honored")
	}
}

func TestProcessBatchConflict(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = engine.ErrAlreadyRunning
	srv := newTestServer(t, eng)

	resp := doRequest(t, http.MethodPost, srv.URL+"/ocr/process", `{"document_ids":[1]}`, true)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestProcessBatchEmptyInput(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = engine.ErrEmptyInput
	srv := newTestServer(t, eng)

	resp := doRequest(t, http.MethodPost, srv.URL+"/ocr/process", `{"document_ids":[]}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestProcessBatchAllSkipped(t *testing.T) {
	eng := newFakeEngine()
	eng.sessionID = ""
	srv := newTestServer(t, eng)

	resp := doRequest(t, http.MethodPost, srv.URL+"/ocr/process", `{"document_ids":[5]}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for all-skipped", resp.StatusCode)
	}
}

func TestProcessOne(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())

	resp := doRequest(t, http.MethodPost, srv.URL+"/ocr/process/42", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var result engine.DocumentResult
	json.NewDecoder(resp.Body).Decode(&result)
	if result.DocumentID != 42 || !result.Success {
		t.Errorf("result = %+v", result)
	}
}

func TestProcessOneBadID(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())
	resp := doRequest(t, http.MethodPost, srv.URL+"/ocr/process/abc", "", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStop(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	resp := doRequest(t, http.MethodPost, srv.URL+"/ocr/stop", "", true)
	if resp.StatusCode != http.StatusOK || !eng.stopped {
		t.Errorf("status = %d, stopped = %v", resp.StatusCode, eng.stopped)
	}
}

func TestDocumentTextNotFound(t *testing.T) {
	eng := newFakeEngine()
	eng.textErr = storage.ErrNotFound
	srv := newTestServer(t, eng)

	resp := doRequest(t, http.MethodGet, srv.URL+"/ocr/text/9", "", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDocumentText(t *testing.T) {
	eng := newFakeEngine()
	eng.text = &engine.ProcessedText{DocumentID: 9, ExtractedText: "hello"}
	srv := newTestServer(t, eng)

	resp := doRequest(t, http.MethodGet, srv.URL+"/ocr/text/9", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var text engine.ProcessedText
	json.NewDecoder(resp.Body).Decode(&text)
	if text.ExtractedText != "hello" {
		t.Errorf("text = %+v", text)
	}
}

func TestResetEndpoints(t *testing.T) {
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	resp := doRequest(t, http.MethodDelete, srv.URL+"/ocr/history/7", "", true)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("reset document status = %d, want 204", resp.StatusCode)
	}
	if len(eng.resetIDs) != 1 || eng.resetIDs[0] != 7 {
		t.Errorf("reset ids = %v", eng.resetIDs)
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/ocr/history", "", true)
	if resp.StatusCode != http.StatusNoContent || !eng.resetAll {
		t.Errorf("reset all status = %d, resetAll = %v", resp.StatusCode, eng.resetAll)
	}
}

func TestHistoryLimitValidation(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())
	resp := doRequest(t, http.MethodGet, srv.URL+"/ocr/history?limit=-3", "", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestClassifyNotConfigured(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())
	resp := doRequest(t, http.MethodPost, srv.URL+"/documents/3/classify", "", true)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestClassifyApply(t *testing.T) {
	eng := newFakeEngine()
	eng.text = &engine.ProcessedText{DocumentID: 3, ExtractedText: "Invoice total 100"}
	archive := &fakeArchive{}

	srv := httptest.NewServer(NewHandler(Deps{
		Engine: eng,
		Thumbs: &fakeThumbs{},
		Classifier: &fakeClassifier{suggestion: classify.Suggestion{
			Title: "Invoice March",
			Tags:  []string{"invoice"},
		}},
		Archive:  archive,
		APIToken: testToken,
		Version:  "test",
	}))
	t.Cleanup(srv.Close)

	resp := doRequest(t, http.MethodPost, srv.URL+"/documents/3/classify?apply=true", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["applied"] != true || body["provider"] != "fake" {
		t.Errorf("body = %v", body)
	}
	if archive.updated["title"] != "Invoice March" {
		t.Errorf("archive updates = %v", archive.updated)
	}
}

func TestResetEvictsThumbnail(t *testing.T) {
	eng := newFakeEngine()
	thumbCache := &fakeThumbs{}
	srv := httptest.NewServer(NewHandler(Deps{
		Engine:   eng,
		Thumbs:   thumbCache,
		APIToken: testToken,
		Version:  "test",
	}))
	t.Cleanup(srv.Close)

	resp := doRequest(t, http.MethodDelete, srv.URL+"/ocr/history/7", "", true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(thumbCache.evicted) != 1 || thumbCache.evicted[0] != 7 {
		t.Errorf("evicted = %v, want [7]", thumbCache.evicted)
	}
}

func TestThumbnail(t *testing.T) {
	srv := newTestServer(t, newFakeEngine())

	resp := doRequest(t, http.MethodGet, srv.URL+"/thumbnails/5", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/thumbnails/404", "", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing thumbnail status = %d, want 404", resp.StatusCode)
	}
}
