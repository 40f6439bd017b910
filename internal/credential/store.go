package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when an operation names an id the pool doesn't hold.
	ErrNotFound = errors.New("credential not found")
	// ErrDuplicate is returned by Add when refreshTokenHash already exists.
	ErrDuplicate = errors.New("duplicate refresh token")
	// ErrStillEnabled is returned by Delete when the credential isn't disabled.
	ErrStillEnabled = errors.New("credential must be disabled before deletion")
	// ErrInvalidPriority is returned by SetPriority for negative values.
	ErrInvalidPriority = errors.New("priority must be >= 0")
)

// wireShape records whether the on-disk file was a single object or an
// array, so Save() round-trips the original shape (spec.md §3, P5).
type wireShape int

const (
	shapeArray wireShape = iota
	shapeObject
)

// Store is the mutable, ordered credential pool (C2). All mutating
// operations are serialized by mu; reads take the read lock. Persistence
// happens outside the lock from a cloned snapshot (§4.2, §5).
type Store struct {
	mu      sync.RWMutex
	path    string
	shape   wireShape
	nextID  int
	entries []*Credential
	dirty   bool
}

// Load reads a credentials file, which may hold a single legacy object or
// an array. It assigns stable ids in file order and computes
// RefreshTokenHash eagerly.
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	s := &Store{path: path}

	trimmed := firstNonSpace(raw)
	switch trimmed {
	case '[':
		s.shape = shapeArray
		var list []*Credential
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("parse credentials array: %w", err)
		}
		s.entries = list
	case '{':
		s.shape = shapeObject
		var one Credential
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("parse credentials object: %w", err)
		}
		s.entries = []*Credential{&one}
	default:
		return nil, fmt.Errorf("credentials file is neither a JSON object nor array")
	}

	for i, c := range s.entries {
		c.ID = i + 1
		c.RefreshTokenHash = HashRefreshToken(c.RefreshToken)
		if c.AuthMethod == "" {
			c.AuthMethod = AuthSocial
		}
	}
	s.nextID = len(s.entries) + 1
	s.sortLocked()

	return s, nil
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}

// Save atomically replaces the credentials file with the current pool
// contents, in the shape it was loaded as. It does nothing if the pool has
// not mutated since the last successful save.
func (s *Store) Save() error {
	snap, shape, dirty := s.snapshot()
	if !dirty {
		return nil
	}

	var raw []byte
	var err error
	if shape == shapeObject {
		var one *Credential
		if len(snap) > 0 {
			one = snap[0]
		}
		raw, err = json.MarshalIndent(one, "", "  ")
	} else {
		raw, err = json.MarshalIndent(snap, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp credentials file: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// snapshot clones the current entries for use outside the lock.
func (s *Store) snapshot() ([]*Credential, wireShape, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Credential, len(s.entries))
	for i, c := range s.entries {
		out[i] = c.Clone()
	}
	return out, s.shape, s.dirty
}

// List returns a read-only snapshot sorted by (priority, id).
func (s *Store) List() []*Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Credential, len(s.entries))
	for i, c := range s.entries {
		out[i] = c.Clone()
	}
	return out
}

// Get returns a snapshot of one credential by id.
func (s *Store) Get(id int) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.entries {
		if c.ID == id {
			return c.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// sortLocked restores (priority ASC, insertion/id ASC) ordering. Callers
// must hold mu (read or write — it only reads c.Priority/c.ID, but is
// invoked from write paths holding the write lock).
func (s *Store) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].Priority != s.entries[j].Priority {
			return s.entries[i].Priority < s.entries[j].Priority
		}
		return s.entries[i].ID < s.entries[j].ID
	})
}

// Add inserts a new credential, rejecting duplicates by RefreshTokenHash.
func (s *Store) Add(c *Credential) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := HashRefreshToken(c.RefreshToken)
	for _, existing := range s.entries {
		if existing.RefreshTokenHash == hash {
			return nil, ErrDuplicate
		}
	}

	cp := c.Clone()
	cp.ID = s.nextID
	s.nextID++
	cp.RefreshTokenHash = hash
	if cp.AuthMethod == "" {
		cp.AuthMethod = AuthSocial
	}
	s.entries = append(s.entries, cp)
	s.sortLocked()
	s.dirty = true
	return cp.Clone(), nil
}

// Delete removes a credential, refusing unless it is disabled.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.entries {
		if c.ID == id {
			if !c.Disabled {
				return ErrStillEnabled
			}
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.dirty = true
			return nil
		}
	}
	return ErrNotFound
}

// SetDisabled toggles the disabled flag.
func (s *Store) SetDisabled(id int, disabled bool) error {
	return s.mutate(id, func(c *Credential) error {
		c.Disabled = disabled
		return nil
	})
}

// SetPriority reorders the pool (I4).
func (s *Store) SetPriority(id int, priority int) error {
	if priority < 0 {
		return ErrInvalidPriority
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.entries {
		if c.ID == id {
			c.Priority = priority
			s.sortLocked()
			s.dirty = true
			return nil
		}
	}
	return ErrNotFound
}

// ResetFailure zeroes the in-memory failure counter and re-enables the
// credential. The counter itself is in-memory only (§9 Open Question c),
// but the disabled flag is persisted, so this marks the pool dirty and the
// next Save writes the re-enabled state.
func (s *Store) ResetFailure(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.entries {
		if c.ID == id {
			c.FailureCount = 0
			c.Disabled = false
			s.dirty = true
			return nil
		}
	}
	return ErrNotFound
}

// RecordSuccess increments successCount and resets failureCount (I2, B4).
func (s *Store) RecordSuccess(id int, at func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.entries {
		if c.ID == id {
			c.SuccessCount++
			c.FailureCount = 0
			c.LastUsedAt = at()
			return
		}
	}
}

// RecordFailure increments failureCount, auto-disabling past threshold.
// Returns whether the credential was just auto-disabled.
func (s *Store) RecordFailure(id int, threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.entries {
		if c.ID == id {
			c.FailureCount++
			if c.FailureCount >= threshold && !c.Disabled {
				c.Disabled = true
				s.dirty = true
				return true
			}
			return false
		}
	}
	return false
}

// UpdateTokens applies a fresh access token from a C3 refresh. The expiry
// is stored as given: neither the store nor C3 compares it with the expiry
// the credential already holds, so a refresh whose expiresIn is shorter
// than the remaining lifetime of the previous token moves ExpiresAt
// earlier.
func (s *Store) UpdateTokens(id int, accessToken string, expiresAt time.Time, profileARN *string) error {
	return s.mutate(id, func(c *Credential) error {
		c.AccessToken = accessToken
		c.ExpiresAt = expiresAt
		if profileARN != nil {
			c.ProfileARN = profileARN
		}
		return nil
	})
}

func (s *Store) mutate(id int, fn func(*Credential) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.entries {
		if c.ID == id {
			if err := fn(c); err != nil {
				return err
			}
			s.dirty = true
			return nil
		}
	}
	return ErrNotFound
}

// Next returns the first non-disabled credential in pool order (§4.7
// "Credential selection") whose id is not in exclude and whose
// FailureCount is below threshold. Returns ErrNotFound if none qualify —
// callers surface this as NoHealthyCredential.
func (s *Store) Next(exclude map[int]bool, threshold int) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.entries {
		if c.Disabled || exclude[c.ID] {
			continue
		}
		if c.FailureCount >= threshold {
			continue
		}
		return c.Clone(), nil
	}
	return nil, ErrNotFound
}

// IsArrayShape reports whether the file was loaded as an array (vs a
// legacy single object), informing C3 whether to schedule a Save() after
// each refresh (§4.3).
func (s *Store) IsArrayShape() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shape == shapeArray
}
