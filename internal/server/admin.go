// Admin surface handlers (C8, spec.md §4.8/§6): read-only pool listing with
// counters and a "current" marker, plus the write operations spec.md §4.8
// names (setDisabled, setPriority, resetFailure, delete, add, balance) and
// the attempt-history supplement (SPEC_FULL.md §3).
//
// Grounded on the teacher's internal/server/admin_accounts.go: the
// accountView-struct masking pattern (handleListAccounts) and the
// writeJSON/writeAdminError envelope (admin.go), narrowed to C2's
// credential.Credential shape.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiro-bridge/kiro-bridge/internal/credential"
)

// balanceURLTemplate mirrors dispatch.upstreamURLTemplate's regional
// CodeWhisperer host; the Inner API's usage-limit endpoint name isn't
// attested in the retrieved adapter source (which only names a UsageLimits
// cache, not its wire path), so this follows the same host and verb shape
// as the generateAssistantResponse route it sits beside.
var balanceURLTemplate = "https://codewhisperer.%s.amazonaws.com/getUsageLimits"

// credentialView is the admin-facing projection of credential.Credential:
// every secret field (RefreshToken, AccessToken, ClientID, ClientSecret,
// RefreshTokenHash, proxy password) is dropped.
type credentialView struct {
	ID           int                   `json:"id"`
	AuthMethod   credential.AuthMethod `json:"authMethod"`
	Region       string                `json:"region,omitempty"`
	MachineID    string                `json:"machineId,omitempty"`
	Priority     int                   `json:"priority"`
	Disabled     bool                  `json:"disabled"`
	FailureCount int                   `json:"failureCount"`
	SuccessCount int                   `json:"successCount"`
	LastUsedAt   *time.Time            `json:"lastUsedAt,omitempty"`
	ExpiresAt    *time.Time            `json:"expiresAt,omitempty"`
	HasProxy     bool                  `json:"hasProxy"`
	Current      bool                  `json:"current"`
}

func newCredentialView(c *credential.Credential, currentID int) credentialView {
	v := credentialView{
		ID:           c.ID,
		AuthMethod:   c.AuthMethod,
		Region:       c.Region,
		MachineID:    c.MachineID,
		Priority:     c.Priority,
		Disabled:     c.Disabled,
		FailureCount: c.FailureCount,
		SuccessCount: c.SuccessCount,
		HasProxy:     c.Proxy != nil,
		Current:      c.ID == currentID,
	}
	if !c.LastUsedAt.IsZero() {
		t := c.LastUsedAt
		v.LastUsedAt = &t
	}
	if !c.ExpiresAt.IsZero() {
		t := c.ExpiresAt
		v.ExpiresAt = &t
	}
	return v
}

// handleListCredentials returns every pool entry, masked, with the current
// marker (spec.md §4.8: "the credential that served the most recent
// request").
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	entries := s.credentials.List()
	current := int(s.currentCredentialID.Load())

	views := make([]credentialView, 0, len(entries))
	for _, c := range entries {
		views = append(views, newCredentialView(c, current))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleAddCredential inserts a new credential (rejecting duplicates by
// refresh-token hash) and persists the pool.
func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var c credential.Credential
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if c.RefreshToken == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "refreshToken is required")
		return
	}

	added, err := s.credentials.Add(&c)
	if err != nil {
		if err == credential.ErrDuplicate {
			writeAdminError(w, http.StatusConflict, "duplicate", "credential with this refresh token already exists")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to add credential")
		return
	}

	if err := s.credentials.Save(); err != nil {
		slog.Error("persist credentials after add", "error", err)
	}
	slog.Info("credential added", "id", added.ID)
	writeJSON(w, http.StatusOK, newCredentialView(added, int(s.currentCredentialID.Load())))
}

// handleDeleteCredential removes a credential, refusing unless it's disabled
// (credential.ErrStillEnabled, spec.md §4.8 "delete (only when disabled)").
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.credentials.Delete(id); err != nil {
		switch err {
		case credential.ErrNotFound:
			writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		case credential.ErrStillEnabled:
			writeAdminError(w, http.StatusConflict, "invalid_request", "credential must be disabled before deletion")
		default:
			writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete credential")
		}
		return
	}

	if err := s.credentials.Save(); err != nil {
		slog.Error("persist credentials after delete", "error", err)
	}
	slog.Info("credential deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": id})
}

// handleSetPriority reorders the pool (I4).
func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if err := s.credentials.SetPriority(id, req.Priority); err != nil {
		switch err {
		case credential.ErrNotFound:
			writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		case credential.ErrInvalidPriority:
			writeAdminError(w, http.StatusBadRequest, "invalid_request", "priority must be >= 0")
		default:
			writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to set priority")
		}
		return
	}

	if err := s.credentials.Save(); err != nil {
		slog.Error("persist credentials after priority change", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": id, "priority": req.Priority})
}

// handleSetDisabled toggles the disabled flag.
func (s *Server) handleSetDisabled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Disabled bool `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if err := s.credentials.SetDisabled(id, req.Disabled); err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}

	if err := s.credentials.Save(); err != nil {
		slog.Error("persist credentials after disabled change", "error", err)
	}
	slog.Info("credential disabled state changed", "id", id, "disabled", req.Disabled)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "disabled": req.Disabled})
}

// handleResetFailure zeroes the failure counter (in-memory only — §9 Open
// Question c) and re-enables the credential. It does not call Save; the
// re-enabled flag reaches disk with the pool's next save.
func (s *Server) handleResetFailure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.credentials.ResetFailure(id); err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}

	slog.Info("credential failure count reset", "id", id)
	writeJSON(w, http.StatusOK, map[string]int{"id": id})
}

// handleBalance proxies an upstream usage-quota query using the
// credential's own (refreshed) access token (SPEC_FULL.md §3 "balance admin
// probe"), passing the raw response JSON straight through to the caller.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	cred, err := s.credentials.Get(id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	accessToken, err := s.tokens.EnsureValid(ctx, id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "token unavailable: "+err.Error())
		return
	}

	url := fmt.Sprintf(balanceURLTemplate, cred.Region)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to build balance request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.transportMgr.GetClient(cred).Do(req)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "internal_error", "balance probe unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleAttempts returns the last N recorded dispatch attempts
// (SPEC_FULL.md §3 "Dispatch-attempt history"). Returns an empty list when
// no audit store is configured.
func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	if s.audit == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	attempts, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to read attempt history")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// handleLogs returns the retained slog backlog for GET /api/admin/logs
// (SPEC_FULL.md §1.1). Returns an empty list when no log handler is wired.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.logs.Recent())
}

// pathID extracts and parses the {id} path value shared by every
// single-credential admin route, writing a 400 and returning ok=false on
// failure.
func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.PathValue("id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "id must be an integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
