package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubenschmidt/roleplay-relay/internal/relay"
	"github.com/hubenschmidt/roleplay-relay/internal/report"
	"github.com/hubenschmidt/roleplay-relay/internal/trace"
	"github.com/hubenschmidt/roleplay-relay/internal/transcript"
	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()
	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer initCancel()

	provider, err := upstream.NewGeminiProvider(initCtx, upstream.GeminiConfig{
		APIKey: cfg.geminiAPIKey,
		Model:  cfg.liveModel,
		Voice:  cfg.voice,
	})
	if err != nil {
		slog.Error("upstream provider", "error", err)
		os.Exit(1)
	}
	if !provider.Configured() {
		slog.Warn("GEMINI_API_KEY not set; every session will be refused")
	}

	var traceStore *trace.Store
	if cfg.traceDatabaseURL != "" {
		traceStore, err = trace.Open(initCtx, cfg.traceDatabaseURL)
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
			traceStore = nil
		} else {
			defer traceStore.Close()
			slog.Info("tracing enabled")
		}
	}

	archive := transcript.NewArchive(cfg.historyTTL, time.Now)
	reports := report.NewService(buildEvaluators(initCtx, cfg), cfg.reportTimeout)

	handler := relay.NewHandler(relay.HandlerConfig{
		Provider:      provider,
		MaxConcurrent: cfg.maxConcurrentSessions,
		Handoff:       archive.Put,
		TraceStore:    traceStore,
		PingInterval:  cfg.pingInterval,
		WriteTimeout:  cfg.writeTimeout,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		wsHandler:  handler,
		reports:    reports,
		archive:    archive,
		traceStore: traceStore,
		configured: provider.Configured(),
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if err := handler.Shutdown(ctx); err != nil {
			slog.Warn("relay sessions did not drain", "error", err)
		}
	}()

	slog.Info("relay starting",
		"addr", addr,
		"live_model", provider.Model(),
		"max_concurrent", cfg.maxConcurrentSessions,
		"report_engines", reports.Engines(),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-drained
	slog.Info("relay stopped")
}

// buildEvaluators registers every report engine that has credentials.
func buildEvaluators(ctx context.Context, cfg config) *report.Router[report.Evaluator] {
	backends := map[string]report.Evaluator{}
	if cfg.geminiAPIKey != "" {
		ev, err := report.NewGeminiEvaluator(ctx, cfg.geminiAPIKey, cfg.reportModel)
		if err != nil {
			slog.Warn("gemini report engine disabled", "error", err)
		} else {
			backends["gemini"] = ev
		}
	}
	if cfg.openaiAPIKey != "" {
		backends["openai"] = report.NewAgentEvaluator(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.openaiModel, cfg.reportMaxTokens)
	}
	if cfg.anthropicAPIKey != "" {
		backends["anthropic"] = report.NewAnthropicEvaluator(cfg.anthropicAPIKey, cfg.anthropicURL, cfg.anthropicModel, cfg.reportMaxTokens)
	}
	if len(backends) == 0 {
		slog.Warn("no report engine configured; reports will be placeholders")
	}
	return report.NewRouter(backends, cfg.reportEngine)
}
