package main

import (
	"time"

	"github.com/hubenschmidt/roleplay-relay/internal/env"
	"github.com/hubenschmidt/roleplay-relay/internal/report"
	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
)

type config struct {
	port string

	geminiAPIKey string
	liveModel    string
	voice        string

	reportEngine    string
	reportModel     string
	reportMaxTokens int
	reportTimeout   time.Duration
	openaiAPIKey    string
	openaiBaseURL   string
	openaiModel     string
	anthropicAPIKey string
	anthropicURL    string
	anthropicModel  string

	maxConcurrentSessions int
	historyTTL            time.Duration
	traceDatabaseURL      string
	pingInterval          time.Duration
	writeTimeout          time.Duration
}

func loadConfig() config {
	return config{
		port: env.Str("RELAY_PORT", "8080"),

		geminiAPIKey: env.First("", "GEMINI_API_KEY", "API_KEY"),
		liveModel:    env.Str("GEMINI_LIVE_MODEL", upstream.DefaultLiveModel),
		voice:        env.Str("GEMINI_VOICE", ""),

		reportEngine:    env.Str("REPORT_ENGINE", "gemini"),
		reportModel:     env.Str("REPORT_MODEL", report.DefaultGeminiModel),
		reportMaxTokens: env.Int("REPORT_MAX_TOKENS", 1024),
		reportTimeout:   env.Duration("REPORT_TIMEOUT", 60*time.Second),
		openaiAPIKey:    env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:   env.Str("OPENAI_BASE_URL", ""),
		openaiModel:     env.Str("OPENAI_MODEL", report.DefaultAgentModel),
		anthropicAPIKey: env.Str("ANTHROPIC_API_KEY", ""),
		anthropicURL:    env.Str("ANTHROPIC_URL", report.DefaultAnthropicURL),
		anthropicModel:  env.Str("ANTHROPIC_MODEL", report.DefaultAnthropicModel),

		maxConcurrentSessions: env.Int("MAX_CONCURRENT_SESSIONS", 100),
		historyTTL:            env.Duration("HISTORY_TTL", 15*time.Minute),
		traceDatabaseURL:      env.Str("TRACE_DATABASE_URL", ""),
		pingInterval:          env.Duration("WS_PING_INTERVAL", 20*time.Second),
		writeTimeout:          env.Duration("WS_WRITE_TIMEOUT", 5*time.Second),
	}
}
