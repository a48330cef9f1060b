package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/codereview/revieworchestrator/internal/agentworker"
	"github.com/codereview/revieworchestrator/internal/aggregator"
	"github.com/codereview/revieworchestrator/internal/config"
	"github.com/codereview/revieworchestrator/internal/diffworker"
	"github.com/codereview/revieworchestrator/internal/domain"
	"github.com/codereview/revieworchestrator/internal/llmclient"
	"github.com/codereview/revieworchestrator/internal/llmclient/langchainclient"
	"github.com/codereview/revieworchestrator/internal/llmclient/openaiclient"
	"github.com/codereview/revieworchestrator/internal/orchestrator"
	"github.com/codereview/revieworchestrator/internal/promptcompose"
	"github.com/codereview/revieworchestrator/internal/queue"
	"github.com/codereview/revieworchestrator/internal/sandbox"
	"github.com/codereview/revieworchestrator/internal/scm"
	"github.com/codereview/revieworchestrator/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	cfg := config.LoadConfig()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, logCleanup := setupLogger(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	store, err := storage.New(cfg.Storage.DSN)
	if err != nil {
		slog.Error("init storage failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	q := queue.New(queue.Config{HighWaterMark: cfg.Queue.HighWaterMark}, store)

	llm, err := newChatStreamer(cfg)
	if err != nil {
		slog.Error("init llm failed", "error", err)
		os.Exit(1)
	}
	llm = llmclient.WithCircuitBreaker(llm, llmclient.CircuitBreakerConfig{
		FailureRate: cfg.LLM.CircuitBreaker.FailureRate,
		Window:      cfg.LLM.CircuitBreaker.Window,
		Cooldown:    cfg.LLM.CircuitBreaker.Cooldown,
	})

	adapters := map[domain.ProviderKind]scm.Adapter{}
	if cfg.SCM.KindA.BaseURL != "" {
		a, err := scm.NewAdapter(domain.ProviderKindA, scm.Config{BaseURL: cfg.SCM.KindA.BaseURL, Token: cfg.SCM.KindA.Token})
		if err != nil {
			slog.Error("init scm adapter failed", "kind", domain.ProviderKindA, "error", err)
			os.Exit(1)
		}
		adapters[domain.ProviderKindA] = a
	}
	if cfg.SCM.KindB.BaseURL != "" {
		a, err := scm.NewAdapter(domain.ProviderKindB, scm.Config{BaseURL: cfg.SCM.KindB.BaseURL, Token: cfg.SCM.KindB.Token})
		if err != nil {
			slog.Error("init scm adapter failed", "kind", domain.ProviderKindB, "error", err)
			os.Exit(1)
		}
		adapters[domain.ProviderKindB] = a
	}

	promptCfg := promptcompose.Config{
		TicketTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers, workerCtx := errgroup.WithContext(ctx)

	diffWorker := diffworker.New("diff-0", q, adapters, llm, diffworker.Config{
		ChunkLines:        cfg.Diff.MaxLinesPerChunk,
		ContextLines:      cfg.Diff.ContextLines,
		ClaimCount:        cfg.Queue.BatchSize,
		ClaimBlockTimeout: cfg.Queue.ClaimBlockTimeout,
		MinIdle:           cfg.Queue.MinIdleReclaim,
		Prompt:            promptCfg,
	})
	workers.Go(func() error {
		diffWorker.Run(workerCtx)
		return nil
	})

	agentWorker := agentworker.New("agent-0", q, adapters, llm, agentworker.Config{
		WorkspaceRoot: cfg.Agent.WorkspaceRoot,
		Agent: domain.AgentConfig{
			CloneDepth:      cfg.Agent.Clone.Depth,
			TestsEnabled:    cfg.Agent.Tests.Enabled,
			AnalysisTimeout: cfg.Agent.Analysis.Timeout,
		},
		Sandbox: sandbox.Config{
			Image:       cfg.Agent.Sandbox.Image,
			MemoryBytes: cfg.Agent.Sandbox.MemoryBytes,
			NanoCPUs:    cfg.Agent.Sandbox.NanoCPUs,
			Timeout:     cfg.Agent.Sandbox.Timeout,
			TermGrace:   cfg.Agent.Sandbox.TermGrace,
		},
		Prompt:       promptCfg,
		ContextLines: cfg.Diff.ContextLines,
		Aggregator: aggregator.Config{
			SimilarityThreshold: cfg.Agent.Aggregation.SimilarityThreshold,
			LineTolerance:       cfg.Agent.Aggregation.LineTolerance,
			MinConfidence:       cfg.Agent.Aggregation.MinConfidence,
			MaxIssuesPerFile:    cfg.Agent.Aggregation.MaxIssuesPerFile,
		},
		ClaimBlockTimeout: cfg.Queue.ClaimBlockTimeout,
	})
	workers.Go(func() error {
		agentWorker.Run(workerCtx)
		return nil
	})

	ttlCtx, ttlCancel := context.WithCancel(context.Background())
	defer ttlCancel()
	go storage.RunTTLSweep(ttlCtx, store, cfg.Result.TTL, time.Hour)

	orch := orchestrator.New(q, cfg.Queue.DebounceWindow)

	mux := http.NewServeMux()
	mux.Handle("/reviews", newIngestHandler(orch))

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			slog.Warn("received request at root path", "path", r.URL.Path, "method", r.Method)
		}
		http.NotFound(w, r)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("server stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown forced", "error", err)
	}

	slog.Info("waiting for workers to drain")
	cancel()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("workers stopped")
	case <-time.After(30 * time.Second):
		slog.Warn("worker shutdown timeout, exiting")
	}

	ttlCancel()
	slog.Info("server stopped")
}

// newChatStreamer builds the configured LLM backend. cfg.LLM.Provider
// selects between the direct OpenAI SDK backend and the langchaingo
// backend; both implement llmclient.ChatStreamer identically from the
// workers' point of view.
func newChatStreamer(cfg *config.Config) (llmclient.ChatStreamer, error) {
	switch cfg.LLM.Provider {
	case "langchain":
		return langchainclient.New(langchainclient.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	default:
		return openaiclient.New(openaiclient.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		}), nil
	}
}

// ingestRequest is the wire shape for POST /reviews, matching the
// createReview(provider, repositoryId, changeRequestNumber, mode) ingest
// method's parameters.
type ingestRequest struct {
	Provider            string `json:"provider"`
	RepositoryID        string `json:"repositoryId"`
	ChangeRequestNumber int    `json:"changeRequestNumber"`
	Mode                string `json:"mode"`
}

type ingestResponse struct {
	RequestID string `json:"requestId"`
}

func newIngestHandler(orch *orchestrator.Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		requestID, err := orch.CreateReview(r.Context(), domain.ProviderKind(req.Provider), req.RepositoryID, req.ChangeRequestNumber, domain.ReviewMode(strings.ToUpper(req.Mode)))
		if err != nil {
			slog.Warn("review admission failed", "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(ingestResponse{RequestID: requestID})
	})
}

// setupLogger creates a logger based on configuration.
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	var writers []io.Writer
	var closers []io.Closer
	outputs := strings.Split(cfg.Log.Output, ",")

	for _, output := range outputs {
		output = strings.TrimSpace(output)
		if output == "" {
			continue
		}

		var w io.Writer
		switch output {
		case "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			l := &lumberjack.Logger{
				Filename:   output,
				MaxSize:    cfg.Log.Rotation.MaxSize,
				MaxBackups: cfg.Log.Rotation.MaxBackups,
				MaxAge:     cfg.Log.Rotation.MaxAge,
				Compress:   cfg.Log.Rotation.Compress,
			}
			w = l
			closers = append(closers, l)
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	multiWriter := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(multiWriter, opts)
	} else {
		handler = slog.NewTextHandler(multiWriter, opts)
	}

	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	return slog.New(handler), cleanup
}
