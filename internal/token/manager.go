// Package token implements the per-credential OAuth access-token
// refresh cycle (C3, spec.md §4.3), guaranteeing exactly one refresh
// call in flight per credential id (I3/P2).
//
// Grounded on the teacher's internal/account/token.go (EnsureValidToken
// clock-skew check, ForceRefresh, per-account proxy transport lookup)
// and other_examples' kiro-adapter.go.go (refreshSocialToken/
// refreshIdCToken request shapes, header sets, 60s expiry buffer). The
// teacher's Redis-lock-and-poll single-flight is replaced with
// golang.org/x/sync/singleflight, since spec.md §5 describes a
// single-process model with no distributed store.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiro-bridge/kiro-bridge/internal/credential"
)

var (
	// refreshSocialURL is the social OAuth refresh endpoint (grounded on
	// other_examples' kiro-adapter.go.go RefreshTokenURL usage). Var
	// rather than const so tests can redirect it at a local server.
	refreshSocialURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	// idcRefreshURLTemplate is the regional OIDC token endpoint IdC
	// credentials refresh against.
	idcRefreshURLTemplate = "https://oidc.%s.amazonaws.com/token"
)

// clockSkewBuffer is subtracted from the server's reported expiry so a
// token is treated as stale slightly before it actually lapses.
const clockSkewBuffer = 60 * time.Second

// TransportProvider supplies a per-credential proxied *http.Transport,
// or nil for direct egress (implemented by internal/transport.Manager).
type TransportProvider interface {
	GetHTTPTransport(cred *credential.Credential) *http.Transport
}

// Manager refreshes and caches access tokens for the credential pool.
type Manager struct {
	store     *credential.Store
	transport TransportProvider
	client    *http.Client
	group     singleflight.Group
}

// NewManager builds a token Manager bound to a credential pool.
func NewManager(store *credential.Store, transport TransportProvider) *Manager {
	return &Manager{
		store:     store,
		transport: transport,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// PermanentAuthFailure reports an unrecoverable refresh-token problem: a
// 4xx response, or a 200 response whose body doesn't parse into the
// expected shape. Retrying — even with a fresh attempt — would not help;
// only replacing the refresh token itself would (§4.3 "Failure
// classification").
type PermanentAuthFailure struct {
	CredentialID int
	Err          error
}

func (e *PermanentAuthFailure) Error() string {
	return fmt.Sprintf("permanent auth failure for credential %d: %v", e.CredentialID, e.Err)
}

func (e *PermanentAuthFailure) Unwrap() error { return e.Err }

// TransientAuthFailure reports a refresh-call problem that may succeed on
// a later attempt: a 5xx response, or a network/connect/TLS/DNS failure
// (§4.3 "Failure classification").
type TransientAuthFailure struct {
	CredentialID int
	Err          error
}

func (e *TransientAuthFailure) Error() string {
	return fmt.Sprintf("transient auth failure for credential %d: %v", e.CredentialID, e.Err)
}

func (e *TransientAuthFailure) Unwrap() error { return e.Err }

// IsPermanentAuthFailure reports whether err is, or wraps, a
// PermanentAuthFailure, letting callers (internal/dispatch) weight their
// own accounting without depending on the concrete type.
func IsPermanentAuthFailure(err error) bool {
	var pe *PermanentAuthFailure
	return errors.As(err, &pe)
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	ProfileARN   string `json:"profileArn"`
}

// EnsureValid returns a valid access token for id, refreshing it first if
// it is absent or within clockSkewBuffer of expiry.
func (m *Manager) EnsureValid(ctx context.Context, id int) (string, error) {
	cred, err := m.store.Get(id)
	if err != nil {
		return "", fmt.Errorf("ensure valid token: %w", err)
	}

	if cred.AccessToken != "" && time.Now().Before(cred.ExpiresAt.Add(-clockSkewBuffer)) {
		return cred.AccessToken, nil
	}

	return m.ForceRefresh(ctx, id)
}

// ForceRefresh refreshes the token unconditionally. Concurrent callers for
// the same id collapse onto a single in-flight HTTP call (I3).
func (m *Manager) ForceRefresh(ctx context.Context, id int) (string, error) {
	key := strconv.Itoa(id)
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.refresh(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, id int) (string, error) {
	cred, err := m.store.Get(id)
	if err != nil {
		return "", fmt.Errorf("refresh: %w", err)
	}
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("refresh: empty refresh token for credential %d", id)
	}

	var resp *refreshResponse
	switch cred.AuthMethod {
	case credential.AuthIdC:
		resp, err = m.refreshIdC(ctx, cred)
	default:
		resp, err = m.refreshSocial(ctx, cred)
	}
	if err != nil {
		slog.Error("token refresh failed", "credentialId", id, "error", err)
		return "", fmt.Errorf("oauth refresh: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	var profileARN *string
	if resp.ProfileARN != "" {
		profileARN = &resp.ProfileARN
	}
	if err := m.store.UpdateTokens(id, resp.AccessToken, expiresAt, profileARN); err != nil {
		return "", fmt.Errorf("store refreshed tokens: %w", err)
	}

	// Only array-shape files are rewritten on every refresh; a legacy
	// single-object file is small enough that this is harmless either way,
	// but IsArrayShape's doc comment in store.go names it as the signal.
	if m.store.IsArrayShape() {
		if err := m.store.Save(); err != nil {
			slog.Error("persist refreshed token", "credentialId", id, "error", err)
		}
	}

	slog.Info("token refreshed", "credentialId", id, "expiresIn", resp.ExpiresIn)
	return resp.AccessToken, nil
}

func (m *Manager) httpClient(cred *credential.Credential) *http.Client {
	if m.transport == nil || cred.Proxy == nil {
		return m.client
	}
	return &http.Client{
		Transport: m.transport.GetHTTPTransport(cred),
		Timeout:   30 * time.Second,
	}
}

func (m *Manager) refreshSocial(ctx context.Context, cred *credential.Credential) (*refreshResponse, error) {
	reqBody, err := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("marshal social refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshSocialURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build social refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return m.doRefresh(req, cred)
}

func (m *Manager) refreshIdC(ctx context.Context, cred *credential.Credential) (*refreshResponse, error) {
	reqBody, err := json.Marshal(map[string]string{
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
		"grantType":    "refresh_token",
		"refreshToken": cred.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal idc refresh request: %w", err)
	}

	region := cred.Region
	if region == "" {
		region = "us-east-1"
	}
	url := fmt.Sprintf(idcRefreshURLTemplate, region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build idc refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Host", fmt.Sprintf("oidc.%s.amazonaws.com", region))
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", "node")

	return m.doRefresh(req, cred)
}

func (m *Manager) doRefresh(req *http.Request, cred *credential.Credential) (*refreshResponse, error) {
	resp, err := m.httpClient(cred).Do(req)
	if err != nil {
		// Connect/TLS/DNS failure: the endpoint itself may just be down.
		return nil, &TransientAuthFailure{CredentialID: cred.ID, Err: fmt.Errorf("refresh request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientAuthFailure{CredentialID: cred.ID, Err: fmt.Errorf("read refresh response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("refresh returned %d: %s", resp.StatusCode, body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// A rejected refresh token is unrecoverable by retrying.
			return nil, &PermanentAuthFailure{CredentialID: cred.ID, Err: statusErr}
		}
		return nil, &TransientAuthFailure{CredentialID: cred.ID, Err: statusErr}
	}

	var result refreshResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &PermanentAuthFailure{CredentialID: cred.ID, Err: fmt.Errorf("parse refresh response: %w", err)}
	}
	if result.AccessToken == "" {
		return nil, &PermanentAuthFailure{CredentialID: cred.ID, Err: fmt.Errorf("refresh response missing accessToken")}
	}
	return &result, nil
}
