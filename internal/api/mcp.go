package api

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the OCR engine to agent
// clients: batch control, status, history, and stored document text.
func NewMCPServer(eng OCREngine, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"paperocr",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("paperocr is an OCR companion for a paperless-ngx archive. Use the tools to run OCR batches and inspect processing history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ocr_status",
			mcp.WithDescription("Current OCR engine status: whether a batch is running, progress counters, and accumulated errors."),
		),
		mcpStatus(eng),
	)

	s.AddTool(
		mcp.NewTool("ocr_process",
			mcp.WithDescription("Start a batch OCR run over the given paperless document ids. Returns the session id, or reports that everything was already processed."),
			mcp.WithArray("document_ids", mcp.Description("Paperless document ids to process"), mcp.Required()),
			mcp.WithBoolean("skip_processed", mcp.Description("Skip documents already processed successfully (default true)")),
		),
		mcpProcess(eng),
	)

	s.AddTool(
		mcp.NewTool("ocr_stop",
			mcp.WithDescription("Stop the running OCR batch, aborting any in-flight submission."),
		),
		mcpStop(eng),
	)

	s.AddTool(
		mcp.NewTool("ocr_history",
			mcp.WithDescription("Recent OCR processing records, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
		),
		mcpHistory(eng),
	)

	s.AddTool(
		mcp.NewTool("ocr_document_text",
			mcp.WithDescription("The stored extracted text of a successfully processed document."),
			mcp.WithNumber("document_id", mcp.Description("Paperless document id"), mcp.Required()),
		),
		mcpDocumentText(eng),
	)

	return s
}

func mcpStatus(eng OCREngine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(eng.GetStatus())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpProcess(eng OCREngine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rawIDs := req.GetArguments()["document_ids"]
		ids, err := toInt64Slice(rawIDs)
		if err != nil {
			return mcpError(fmt.Sprintf("document_ids: %v", err)), nil
		}
		skip := req.GetBool("skip_processed", true)

		sessionID, err := eng.StartBatch(ids, skip)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start batch: %v", err)), nil
		}
		if sessionID == "" {
			return mcpText("all documents already processed"), nil
		}
		return mcpText(fmt.Sprintf("started session %s over %d documents", sessionID, len(ids))), nil
	}
}

func mcpStop(eng OCREngine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if eng.Stop() {
			return mcpText("stop requested"), nil
		}
		return mcpText("no batch is running"), nil
	}
}

func mcpHistory(eng OCREngine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		records, err := eng.RecentHistory(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read history: %v", err)), nil
		}

		b, err := json.Marshal(records)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDocumentText(eng OCREngine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetInt("document_id", 0)
		if id <= 0 {
			return mcpError("document_id is required"), nil
		}

		text, err := eng.GetProcessedDocumentText(int64(id))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read document text: %v", err)), nil
		}

		body := text.ExtractedText
		// Keep tool responses within a sane size for model context windows.
		if utf8.RuneCountInString(body) > 20000 {
			runes := []rune(body)
			body = string(runes[:20000]) + "..."
		}
		return mcpText(body), nil
	}
}

func toInt64Slice(raw any) ([]int64, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of document ids")
	}
	ids := make([]int64, 0, len(list))
	for _, v := range list {
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) || n <= 0 {
			return nil, fmt.Errorf("invalid document id %v", v)
		}
		ids = append(ids, int64(n))
	}
	return ids, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
