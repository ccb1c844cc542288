package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestProcessBatchRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ocr/process": `{"session_id":"ocr_1_abcd1234"}`,
	})

	client := ts.client()
	body := map[string]any{
		"document_ids":   []int64{42, 43},
		"skip_processed": true,
	}
	resp, err := client.post(ctx, "/ocr/process", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.SessionID != "ocr_1_abcd1234" {
		t.Errorf("session_id = %q", result.SessionID)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["skip_processed"] != true {
		t.Errorf("skip_processed = %v, want true", sent["skip_processed"])
	}
}

func TestProcessCommand_InvalidID(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"process", "abc"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for invalid document id")
	}
	if !strings.Contains(err.Error(), "invalid document id") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestStatusRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /ocr/status": `{"is_processing":true,"session_id":"ocr_1_x","total_documents":3,"processed_documents":1,"progress":33.3}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/ocr/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var status struct {
		IsProcessing   bool    `json:"is_processing"`
		TotalDocuments int     `json:"total_documents"`
		Progress       float64 `json:"progress"`
	}
	if err := decodeJSON(resp, &status); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !status.IsProcessing || status.TotalDocuments != 3 {
		t.Errorf("status = %+v", status)
	}
}

func TestStopRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ocr/stop": `{"stopped":true}`,
	})

	resp, err := ts.client().post(ctx, "/ocr/stop", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Stopped bool `json:"stopped"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !result.Stopped {
		t.Error("stopped = false, want true")
	}
}

func TestHistoryRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /ocr/history": `{"records":[{"document_id":42,"document_title":"Invoice","status":"success","extracted_content_length":11,"processing_time_ms":250}]}`,
	})

	resp, err := ts.client().get(ctx, "/ocr/history?limit=20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Records []struct {
			DocumentID int64  `json:"document_id"`
			Status     string `json:"status"`
		} `json:"records"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(body.Records) != 1 || body.Records[0].DocumentID != 42 {
		t.Errorf("records = %+v", body.Records)
	}
}

func TestServerNotReachable(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/ocr/status")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error"}}`))
	}))
	defer srv.Close()

	client := &apiClient{
		baseURL:    srv.URL,
		token:      "bad-token",
		httpClient: srv.Client(),
	}

	resp, err := client.get(ctx, "/ocr/status")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
