package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/hubenschmidt/roleplay-relay/internal/metrics"
)

// EngineNone labels requests that had no evaluator to run.
const EngineNone = "none"

// Result is what the HTTP layer returns. Placeholder marks a degraded report.
type Result struct {
	Report      *Report `json:"report"`
	Engine      string  `json:"engine"`
	Placeholder bool    `json:"placeholder"`
}

// Service runs evaluations with a deadline and never fails.
type Service struct {
	router  *Router[Evaluator]
	timeout time.Duration
}

// NewService wraps a router of evaluators. A zero timeout means 60s.
func NewService(router *Router[Evaluator], timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{router: router, timeout: timeout}
}

// Engines lists the configured evaluator names.
func (s *Service) Engines() []string {
	if s.router == nil {
		return nil
	}
	return s.router.Engines()
}

// Evaluate runs the requested engine (or the fallback). Any error, timeout
// or missing engine degrades to the placeholder report.
func (s *Service) Evaluate(ctx context.Context, engine string, req Request) Result {
	if s.router == nil {
		return s.degrade(EngineNone, nil)
	}
	ev, name, err := s.router.Route(engine)
	if err != nil {
		return s.degrade(EngineNone, err)
	}
	if engine != "" && !s.router.Has(engine) {
		slog.Warn("report engine not configured, using fallback", "requested", engine, "engine", name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	rep, err := ev.Evaluate(ctx, req)
	metrics.ReportDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		return s.degrade(name, err)
	}
	if rep == nil {
		return s.degrade(name, errEmptyResponse)
	}

	slog.Info("report generated", "engine", name, "score", rep.Score, "utterances", len(req.History), "images", len(req.Images), "latency_ms", time.Since(start).Milliseconds())
	return Result{Report: rep, Engine: name}
}

func (s *Service) degrade(engine string, err error) Result {
	metrics.ReportFallbacks.WithLabelValues(engine).Inc()
	slog.Warn("report degraded to placeholder", "engine", engine, "error", err)
	return Result{Report: Placeholder(), Engine: engine, Placeholder: true}
}
