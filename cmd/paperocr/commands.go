package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <document-id>...",
	Short: "Run OCR over the given paperless documents",
	Long: `Run OCR over the given paperless documents.

Examples:
  paperocr process 42
  paperocr process 42 43 44 --all
  paperocr process 42 --sync`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		sync, _ := cmd.Flags().GetBool("sync")

		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid document id %q", arg)
			}
			ids = append(ids, id)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if sync {
			if len(ids) != 1 {
				return fmt.Errorf("--sync takes exactly one document id")
			}
			resp, err := client.post(cmd.Context(), fmt.Sprintf("/ocr/process/%d", ids[0]), nil)
			if err != nil {
				return err
			}
			var result struct {
				Success      bool   `json:"success"`
				TextLength   int64  `json:"text_length"`
				ProcessingMs int64  `json:"processing_time_ms"`
				Error        string `json:"error"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			if !result.Success {
				printError("Document %d failed: %s", ids[0], result.Error)
				return fmt.Errorf("processing failed")
			}
			printSuccess("Document %d processed: %d characters in %dms", ids[0], result.TextLength, result.ProcessingMs)
			return nil
		}

		body := map[string]any{
			"document_ids":   ids,
			"skip_processed": !all,
		}
		resp, err := client.post(cmd.Context(), "/ocr/process", body)
		if err != nil {
			return err
		}

		var result struct {
			SessionID *string `json:"session_id"`
			Message   string  `json:"message"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.SessionID == nil {
			printWarning("%s", result.Message)
			return nil
		}
		printSuccess("Started session %s (%d documents)", *result.SessionID, len(ids))
		printStep("Watch progress with: paperocr status")
		return nil
	},
}

func init() {
	processCmd.Flags().Bool("all", false, "reprocess documents even if already processed")
	processCmd.Flags().Bool("sync", false, "process a single document synchronously")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show OCR engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/ocr/status")
		if err != nil {
			return err
		}

		var status struct {
			IsProcessing        bool    `json:"is_processing"`
			SessionID           string  `json:"session_id"`
			TotalDocuments      int     `json:"total_documents"`
			ProcessedDocuments  int     `json:"processed_documents"`
			SuccessfulDocuments int     `json:"successful_documents"`
			FailedDocuments     int     `json:"failed_documents"`
			Progress            float64 `json:"progress"`
			EstimatedCompletion string  `json:"estimated_completion"`
			Current             *struct {
				DocumentID int64 `json:"document_id"`
				Index      int   `json:"index"`
				Total      int   `json:"total"`
			} `json:"current_document"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		if !status.IsProcessing {
			printStatus("Engine", "idle")
			return nil
		}

		printStatus("Engine", "processing session %s", status.SessionID)
		printStatus("Progress", "%.1f%% (%d/%d, %d ok, %d failed)",
			status.Progress, status.ProcessedDocuments, status.TotalDocuments,
			status.SuccessfulDocuments, status.FailedDocuments)
		if status.Current != nil {
			printStatus("Current", "document %d (%d of %d)",
				status.Current.DocumentID, status.Current.Index, status.Current.Total)
		}
		if status.EstimatedCompletion != "" {
			printStatus("ETA", "%s", status.EstimatedCompletion)
		}
		return nil
	},
}

// --- stop ---

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running OCR batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ocr/stop", nil)
		if err != nil {
			return err
		}

		var result struct {
			Stopped bool `json:"stopped"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Stopped {
			printSuccess("Stop requested")
		} else {
			printWarning("No batch is running")
		}
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history [document-id]",
	Short: "Show processing history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/ocr/history?limit=%d", limit)
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			path = fmt.Sprintf("/ocr/history/%d", id)
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Records []struct {
				DocumentID      int64  `json:"document_id"`
				DocumentTitle   string `json:"document_title"`
				Status          string `json:"status"`
				StartedAt       string `json:"started_at"`
				ExtractedLength int64  `json:"extracted_content_length"`
				ProcessingMs    int64  `json:"processing_time_ms"`
				ErrorMessage    string `json:"error_message"`
			} `json:"records"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Records) == 0 {
			fmt.Println("No processing records found.")
			return nil
		}

		for _, rec := range body.Records {
			label := colorize(colorGreen, rec.Status)
			detail := fmt.Sprintf("%d chars, %dms", rec.ExtractedLength, rec.ProcessingMs)
			switch rec.Status {
			case "failure":
				label = colorize(colorRed, rec.Status)
				detail = rec.ErrorMessage
			case "started":
				label = colorize(colorYellow, rec.Status)
				detail = "no terminal record"
			}
			fmt.Printf("%s  %s  #%d %s  %s\n",
				rec.StartedAt, label, rec.DocumentID, rec.DocumentTitle, detail)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of records to list")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show processing statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/ocr/statistics")
		if err != nil {
			return err
		}

		var stats struct {
			Overall struct {
				TotalAttempts      int     `json:"total_attempts"`
				Successes          int     `json:"successes"`
				Failures           int     `json:"failures"`
				ProcessedDocuments int     `json:"processed_documents"`
				SuccessRate        float64 `json:"success_rate"`
				AvgProcessingMs    float64 `json:"avg_processing_ms"`
			} `json:"overall"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Attempts", "%d (%d ok, %d failed)",
			stats.Overall.TotalAttempts, stats.Overall.Successes, stats.Overall.Failures)
		printStatus("Documents processed", "%d", stats.Overall.ProcessedDocuments)
		printStatus("Success rate", "%.1f%%", stats.Overall.SuccessRate)
		printStatus("Avg processing time", "%.0fms", stats.Overall.AvgProcessingMs)
		return nil
	},
}

// --- text ---

var textCmd = &cobra.Command{
	Use:   "text <document-id>",
	Short: "Print the stored extracted text of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid document id %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/ocr/text/%d", id))
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		var text struct {
			DocumentID    int64  `json:"document_id"`
			DocumentTitle string `json:"document_title"`
			ExtractedText string `json:"extracted_text"`
			MarkdownText  string `json:"markdown_text"`
		}
		if err := decodeJSON(resp, &text); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(text)
		}
		fmt.Println(text.ExtractedText)
		return nil
	},
}

func init() {
	textCmd.Flags().Bool("json", false, "print the full record as JSON")
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset [document-id]",
	Short: "Clear processing history for one document, or everything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			resp, err := client.delete(cmd.Context(), fmt.Sprintf("/ocr/history/%d", id))
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Reset document %d", id)
			return nil
		}

		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL processing history. Use --confirm to proceed.")
			return nil
		}

		resp, err := client.delete(cmd.Context(), "/ocr/history")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("All processing history cleared")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm clearing all history")
}
