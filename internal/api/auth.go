package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// SessionIdleExpiry is how long a session survives without activity.
const SessionIdleExpiry = 12 * time.Hour

// PasswordFile holds the admin password as a sha-256 hex digest on disk, so
// the plaintext never rests anywhere.
type PasswordFile struct {
	path string
}

// OpenPasswordFile prepares the password file at path. When the file does
// not exist and initial is non-empty, it is created from initial.
func OpenPasswordFile(path, initial string) (*PasswordFile, error) {
	p := &PasswordFile{path: path}
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		if initial == "" {
			return p, nil
		}
		if err := p.Set(initial); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("api: stat password file: %w", err)
	}
	return p, nil
}

// Configured reports whether a password has been set.
func (p *PasswordFile) Configured() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// Verify checks a candidate password in constant time.
func (p *PasswordFile) Verify(password string) bool {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return false
	}
	stored := strings.TrimSpace(string(data))
	sum := sha256.Sum256([]byte(password))
	candidate := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

// Set replaces the stored password.
func (p *PasswordFile) Set(password string) error {
	sum := sha256.Sum256([]byte(password))
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("api: mkdir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(sum[:])+"\n"), 0o600); err != nil {
		return fmt.Errorf("api: write password file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("api: rename password file: %w", err)
	}
	return nil
}

// SessionStore tracks opaque bearer tokens and their last activity.
type SessionStore struct {
	sessions *xsync.Map[string, time.Time]
	idle     time.Duration
}

// NewSessionStore creates a store with the given idle expiry.
func NewSessionStore(idle time.Duration) *SessionStore {
	if idle <= 0 {
		idle = SessionIdleExpiry
	}
	return &SessionStore{sessions: xsync.NewMap[string, time.Time](), idle: idle}
}

// Create mints a new session token.
func (s *SessionStore) Create(now time.Time) string {
	token := uuid.NewString()
	s.sessions.Store(token, now)
	return token
}

// Validate checks a token and refreshes its activity timestamp. Expired
// tokens are removed.
func (s *SessionStore) Validate(token string, now time.Time) bool {
	last, ok := s.sessions.Load(token)
	if !ok {
		return false
	}
	if now.Sub(last) > s.idle {
		s.sessions.Delete(token)
		return false
	}
	s.sessions.Store(token, now)
	return true
}

// Revoke removes a token.
func (s *SessionStore) Revoke(token string) {
	s.sessions.Delete(token)
}

// RevokeAll removes every session, e.g. after a password change.
func (s *SessionStore) RevokeAll() {
	s.sessions.Range(func(token string, _ time.Time) bool {
		s.sessions.Delete(token)
		return true
	})
}

// SessionMiddleware rejects requests without a valid session bearer token.
func SessionMiddleware(store *SessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		if !store.Validate(auth[len(prefix):], time.Now()) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired session")
			return
		}
		next.ServeHTTP(w, r)
	})
}
