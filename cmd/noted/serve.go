package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/noted/internal/api"
	"github.com/kalambet/noted/internal/capture"
	"github.com/kalambet/noted/internal/classify"
	"github.com/kalambet/noted/internal/config"
	"github.com/kalambet/noted/internal/engine"
	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/intent"
	"github.com/kalambet/noted/internal/pipeline"
	"github.com/kalambet/noted/internal/queue"
	"github.com/kalambet/noted/internal/retrieval"
	"github.com/kalambet/noted/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the noted server (foreground)",
	Long: `Run the HTTP API and the enrichment queue in the foreground.

Models are loaded in the background; notes captured before they are ready
wait in the pending queue. With --mcp the MCP server is also served over
stdio, for use as a subprocess of an MCP client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "noted version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))
	if cfg.Server.Token == "" {
		slog.Warn("no API token configured; HTTP API is unauthenticated", "env", "NOTED_SERVER_TOKEN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	llm := inference.NewLLM(eng, cfg.Models.LLM, cfg.Models.LLMTimeout)
	emb := inference.NewEmbeddings(eng, cfg.Models.Embed, cfg.Models.EmbedTimeout)
	ocr := inference.NewOCR(eng, cfg.Models.OCR, cfg.Models.OCRTimeout)
	models := inference.Models{LLM: llm, Embeddings: emb}

	pipe := pipeline.New(store, classify.New(cfg.Pipeline.MaxTags),
		pipeline.WithMaxTitleLength(cfg.Pipeline.MaxTitleLength))
	q := queue.New(store, pipe)
	defer q.Close()
	q.SetModels(models)

	if _, err := queue.Recover(ctx, store, q); err != nil {
		slog.Warn("recovering unfinished notes", "error", err)
	}

	searchOpts := []retrieval.Option{retrieval.WithLimit(cfg.Search.Limit)}
	if cfg.Search.MinScore > config.NoMinScore {
		searchOpts = append(searchOpts, retrieval.WithMinScore(float32(cfg.Search.MinScore)))
	}

	deps := api.Deps{
		Store:       store,
		Queue:       q,
		Capture:     capture.NewService(store, q, capture.WithOCR(ocr), capture.WithOCRTimeout(cfg.Models.OCRTimeout)),
		Search:      retrieval.NewEngine(store, intent.NewInterpreter(0), searchOpts...),
		LLM:         llm,
		Embeddings:  emb,
		OCR:         ocr,
		Token:       cfg.Server.Token,
		CORSOrigins: cfg.Server.CORSOrigins,
		RelatedK:    cfg.Search.RelatedK,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	// Model loading failures are logged, not fatal: capture and lexical
	// search keep working without models.
	go func() {
		err := inference.LoadAll(ctx, func(name string) {
			slog.Info("model loaded", "model", name)
			q.SetModels(models)
		}, llm, emb, ocr)
		if err != nil && ctx.Err() == nil {
			slog.Error("loading models", "error", err)
		}
	}()

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		slog.Info("noted listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
