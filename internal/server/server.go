// Package server implements the Outer HTTP API and the admin surface
// (C8, spec.md §4.8/§6).
//
// Grounded on the teacher's internal/server/server.go: stdlib
// net/http.ServeMux 1.22+ pattern routing, a requestLogger wrapper, and
// signal-driven graceful shutdown, generalized from the teacher's
// account/user/dashboard surface to spec.md §6's three Outer routes plus
// the admin credential-pool surface C8 names.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kiro-bridge/kiro-bridge/internal/auditlog"
	"github.com/kiro-bridge/kiro-bridge/internal/auth"
	"github.com/kiro-bridge/kiro-bridge/internal/config"
	"github.com/kiro-bridge/kiro-bridge/internal/credential"
	"github.com/kiro-bridge/kiro-bridge/internal/dispatch"
	"github.com/kiro-bridge/kiro-bridge/internal/logbuf"
	"github.com/kiro-bridge/kiro-bridge/internal/token"
	"github.com/kiro-bridge/kiro-bridge/internal/transport"
)

// Server is the main HTTP server: the Outer API plus, when an admin key is
// configured, the admin surface.
type Server struct {
	cfg          *config.Config
	credentials  *credential.Store
	tokens       *token.Manager
	transportMgr *transport.Manager
	dispatcher   *dispatch.Dispatcher
	audit        *auditlog.Store
	logs         *logbuf.Handler
	authMw       *auth.Middleware

	currentCredentialID atomic.Int64

	httpServer *http.Server
	startTime  time.Time
}

// New wires the Outer API and admin surface together. audit and logs may be
// nil, in which case /api/admin/attempts and /api/admin/logs report empty
// histories.
func New(
	cfg *config.Config,
	credentials *credential.Store,
	tokens *token.Manager,
	transportMgr *transport.Manager,
	dispatcher *dispatch.Dispatcher,
	audit *auditlog.Store,
	logs *logbuf.Handler,
) *Server {
	s := &Server{
		cfg:          cfg,
		credentials:  credentials,
		tokens:       tokens,
		transportMgr: transportMgr,
		dispatcher:   dispatcher,
		audit:        audit,
		logs:         logs,
		authMw:       auth.New(cfg.APIKey, cfg.AdminAPIKey),
		startTime:    time.Now(),
	}

	if audit != nil {
		dispatcher.SetRecorder(&recordingObserver{audit: audit, server: s})
	}
	dispatcher.SetGlobalMachineID(cfg.MachineID)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses have no fixed upper bound (§5 "Timeouts")
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// recordingObserver fans a dispatcher attempt out to the audit log and, on
// success, updates the admin surface's "current credential" marker
// (spec.md §4.8: "the credential that served the most recent request").
type recordingObserver struct {
	audit  *auditlog.Store
	server *Server
}

func (o *recordingObserver) Record(credentialID, attempt int, outcome string, httpStatus int, latencyMs int64) {
	if o.audit != nil {
		o.audit.Record(credentialID, attempt, outcome, httpStatus, latencyMs)
	}
	if outcome == dispatch.ActionSuccess.String() {
		o.server.currentCredentialID.Store(int64(credentialID))
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	apiKey := s.authMw.RequireAPIKey
	adminKey := s.authMw.RequireAdminKey

	mux.Handle("GET /v1/models", apiKey(http.HandlerFunc(s.handleModels)))
	mux.Handle("POST /v1/messages", apiKey(http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", apiKey(http.HandlerFunc(s.handleCountTokens)))

	mux.Handle("GET /api/admin/credentials", adminKey(http.HandlerFunc(s.handleListCredentials)))
	mux.Handle("POST /api/admin/credentials", adminKey(http.HandlerFunc(s.handleAddCredential)))
	mux.Handle("DELETE /api/admin/credentials/{id}", adminKey(http.HandlerFunc(s.handleDeleteCredential)))
	mux.Handle("POST /api/admin/credentials/{id}/priority", adminKey(http.HandlerFunc(s.handleSetPriority)))
	mux.Handle("POST /api/admin/credentials/{id}/disabled", adminKey(http.HandlerFunc(s.handleSetDisabled)))
	mux.Handle("POST /api/admin/credentials/{id}/reset-failure", adminKey(http.HandlerFunc(s.handleResetFailure)))
	mux.Handle("GET /api/admin/credentials/{id}/balance", adminKey(http.HandlerFunc(s.handleBalance)))
	mux.Handle("GET /api/admin/attempts", adminKey(http.HandlerFunc(s.handleAttempts)))
	mux.Handle("GET /api/admin/logs", adminKey(http.HandlerFunc(s.handleLogs)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptimeSeconds":%d}`, int(time.Since(s.startTime).Seconds()))
	})
}

// Run starts the server and blocks until a shutdown signal arrives or the
// listener fails.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
