// Package credential implements the ordered OAuth credential pool (C2).
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AuthMethod distinguishes the two upstream OAuth refresh shapes.
type AuthMethod string

const (
	AuthSocial AuthMethod = "social"
	AuthIdC    AuthMethod = "idc"
)

// Credential is one entry in the pool: a refresh token plus the mutable
// state accumulated by using it.
type Credential struct {
	ID int `json:"id"`

	RefreshToken string     `json:"refreshToken"`
	AccessToken  string     `json:"accessToken,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt,omitempty"`
	AuthMethod   AuthMethod `json:"authMethod"`

	// idc-only
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`

	ProfileARN *string `json:"profileArn,omitempty"`
	Region     string  `json:"region,omitempty"`
	MachineID  string  `json:"machineId,omitempty"`

	Proxy *ProxyConfig `json:"proxy,omitempty"`

	Priority int `json:"priority"`

	FailureCount int       `json:"-"`
	SuccessCount int       `json:"-"`
	LastUsedAt   time.Time `json:"-"`
	Disabled     bool      `json:"disabled"`

	// RefreshTokenHash is derived eagerly at load time and used for
	// duplicate detection on add(). Exposed read-only on the admin surface.
	RefreshTokenHash string `json:"refreshTokenHash"`
}

// ProxyConfig is an optional per-credential egress proxy.
type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HashRefreshToken computes the hex SHA-256 of a refresh token, used both as
// Credential.RefreshTokenHash and as the default machine-id fallback (C4).
func HashRefreshToken(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep-enough copy for safe use outside the pool lock (list
// snapshots, admin responses). Token fields are included; callers that must
// not leak the refresh token should redact it themselves.
func (c *Credential) Clone() *Credential {
	cp := *c
	if c.ProfileARN != nil {
		arn := *c.ProfileARN
		cp.ProfileARN = &arn
	}
	if c.Proxy != nil {
		p := *c.Proxy
		cp.Proxy = &p
	}
	return &cp
}
