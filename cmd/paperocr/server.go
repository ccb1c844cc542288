package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/inkfeed/paperocr/internal/api"
	"github.com/inkfeed/paperocr/internal/classify"
	"github.com/inkfeed/paperocr/internal/config"
	"github.com/inkfeed/paperocr/internal/engine"
	"github.com/inkfeed/paperocr/internal/ocr"
	"github.com/inkfeed/paperocr/internal/paperless"
	"github.com/inkfeed/paperocr/internal/storage"
	"github.com/inkfeed/paperocr/internal/thumbs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the paperocr server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

// ensureAPIToken returns the configured token, or a generated one persisted
// under the data directory so restarts keep the same credential.
func ensureAPIToken(cfg config.Config) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}

	path := filepath.Join(cfg.Storage.DataDir, "api_token")
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	token := uuid.NewString()
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	slog.Info("generated API token", "path", path)
	return token, nil
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "paperocr version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := ensureAPIToken(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	archive := paperless.New(cfg.Paperless.BaseURL, cfg.Paperless.APIToken)

	ocrClient := ocr.New(cfg.OCR.BaseURL,
		ocr.WithParams(ocr.Params{
			CleanText:         cfg.OCR.CleanText,
			MinConfidence:     cfg.OCR.MinConfidence,
			PreserveLayout:    cfg.OCR.PreserveLayout,
			IncludeConfidence: cfg.OCR.IncludeConfidence,
			IncludeBboxes:     cfg.OCR.IncludeBboxes,
			ForceOCR:          cfg.OCR.ForceOCR,
		}),
		ocr.WithExtractTimeout(cfg.OCR.RequestTimeout),
		ocr.WithHealthTimeout(cfg.OCR.HealthTimeout),
	)
	if !ocrClient.IsAvailable(ctx) {
		slog.Warn("OCR backend unavailable at startup", "url", cfg.OCR.BaseURL)
	}

	eng := engine.New(archive, ocrClient, store, cfg.Processing.InterDocumentDelay)

	thumbCache, err := thumbs.NewCache(filepath.Join(cfg.Storage.DataDir, "thumbnails"), archive)
	if err != nil {
		return err
	}

	// Prefetch thumbnails for everything already processed.
	go func() {
		ids, err := store.ProcessedDocumentIDs()
		if err != nil {
			slog.Warn("listing processed documents for thumbnail warmup", "error", err)
			return
		}
		if err := thumbCache.Warm(ctx, ids); err != nil {
			slog.Warn("thumbnail warmup", "error", err)
		}
	}()

	classifier, err := classify.New(cfg.AI)
	if err != nil {
		slog.Warn("classification disabled", "error", err)
		classifier = nil
	}

	handler := api.NewHandler(api.Deps{
		Engine:     eng,
		Thumbs:     thumbCache,
		Classifier: classifier,
		Archive:    archive,
		APIToken:   apiToken,
		Version:    version,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(eng, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "paperocr listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
		// Abort an in-flight batch so shutdown does not wait out a long OCR call.
		eng.Stop()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
