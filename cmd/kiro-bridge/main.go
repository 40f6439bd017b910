// Command kiro-bridge runs the protocol-translating reverse proxy: an
// Outer (Anthropic-style) /v1/messages API in front of the Inner
// (CodeWhisperer-style) binary event-stream API (spec.md §6).
//
// Grounded on the teacher's cmd/relay/main.go wiring order (load config →
// install ring-buffer log handler → open store → build transport manager →
// build server → Run).
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/kiro-bridge/kiro-bridge/internal/auditlog"
	"github.com/kiro-bridge/kiro-bridge/internal/config"
	"github.com/kiro-bridge/kiro-bridge/internal/credential"
	"github.com/kiro-bridge/kiro-bridge/internal/dispatch"
	"github.com/kiro-bridge/kiro-bridge/internal/logbuf"
	"github.com/kiro-bridge/kiro-bridge/internal/server"
	"github.com/kiro-bridge/kiro-bridge/internal/token"
	"github.com/kiro-bridge/kiro-bridge/internal/transport"
)

var version = "dev"

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("flag parsing failed", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	logHandler := logbuf.New(config.LogLevelFromEnv(), cfg.LogRingSize)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("kiro-bridge starting", "version", version)

	credentials, err := credential.Load(flags.CredentialsPath)
	if err != nil {
		slog.Error("credentials load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("credential pool ready", "path", flags.CredentialsPath, "count", len(credentials.List()))

	transportMgr := transport.NewManager(cfg)
	defer transportMgr.Close()

	tokens := token.NewManager(credentials, transportMgr)
	dispatcher := dispatch.New(credentials, tokens, transportMgr, cfg.DisableThreshold)

	var audit *auditlog.Store
	if cfg.AuditDBPath != "" {
		retention := time.Duration(cfg.AuditRetentionHours) * time.Hour
		purgeInterval := time.Duration(cfg.AuditPurgeIntervalHours) * time.Hour
		audit, err = auditlog.Open(cfg.AuditDBPath, retention, purgeInterval)
		if err != nil {
			slog.Error("audit log init failed", "error", err)
			os.Exit(1)
		}
		defer audit.Close()
		slog.Info("audit log ready", "path", cfg.AuditDBPath)
	}

	srv := server.New(cfg, credentials, tokens, transportMgr, dispatcher, audit, logHandler)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
