// Package auth is gochat's session & authentication manager (spec §4.2):
// password verification, atomic token issuance, single-session enforcement,
// token validation, logout, and the expiry sweep.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gochat-core/gochat/internal/store"
)

const tokenBytes = 18 // 144 bits, base64url-encoded — spec §4.2 "128+ bit token"

// Manager wraps the store with the password/session policy spec §4.2
// describes. It holds no in-memory session state of its own: the store is
// the single source of truth, so a process restart loses nothing but live
// connections (which re-establish via validate_session/login).
type Manager struct {
	store    *store.Store
	lifetime time.Duration
	logger   *slog.Logger
}

func NewManager(s *store.Store, lifetime time.Duration, logger *slog.Logger) *Manager {
	return &Manager{store: s, lifetime: lifetime, logger: logger}
}

// Register hashes the password and inserts a new user row (spec §4.2
// "Registration").
func (m *Manager) Register(ctx context.Context, username, password string) (*store.User, error) {
	verifier, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return m.store.Register(ctx, uuid.NewString(), username, verifier)
}

// Login runs the single-session login transaction (spec §4.2). It never
// returns store.ErrInvalidCredentials distinguishing "no such user" from
// "wrong password" — both look identical to the caller (spec §8 "no
// user-enumeration oracle").
func (m *Manager) Login(ctx context.Context, username, password string) (*store.LoginResult, error) {
	verify := func(verifier string) bool { return VerifyPassword(password, verifier) }
	return m.store.Login(ctx, username, verify, newToken, newEventID, m.lifetime)
}

// ValidateSession resolves a token to its owning user without touching
// presence (spec §4.2 "does not kick").
func (m *Manager) ValidateSession(ctx context.Context, token string) (*store.User, error) {
	return m.store.ValidateSession(ctx, token)
}

// Logout runs the logout transaction (spec §4.2). The caller is responsible
// for invoking presence.Registry.KickAllExcept afterward, sparing the
// connection that issued the logout.
func (m *Manager) Logout(ctx context.Context, userID string) error {
	return m.store.Logout(ctx, userID, newEventID)
}

// RecordQuit appends a quit audit event for a connection's normal cleanup
// path (spec §4.1 "On any terminal read ... records a quit audit event").
func (m *Manager) RecordQuit(ctx context.Context, userID string) error {
	return m.store.RecordEvent(ctx, userID, store.EventQuit, newEventID)
}

// RecordKickedOut appends a kicked_out audit event for a connection torn
// down by kick_all (spec §4.1).
func (m *Manager) RecordKickedOut(ctx context.Context, userID string) error {
	return m.store.RecordEvent(ctx, userID, store.EventKickedOut, newEventID)
}

// SetOnline updates the derived online flag (spec §3).
func (m *Manager) SetOnline(ctx context.Context, userID string, online bool) error {
	return m.store.SetOnline(ctx, userID, online)
}

// RunSweepLoop periodically deletes expired session rows until ctx is
// cancelled (spec §4.2 "Expiry sweep runs periodically").
func (m *Manager) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.SweepExpiredSessions(ctx)
			if err != nil {
				m.logger.Error("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				m.logger.Info("swept expired sessions", "count", n)
			}
		}
	}
}

func newToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the OS's entropy source is broken;
		// no sensible fallback exists, so the process must crash loudly
		// rather than issue a predictable token.
		panic(fmt.Errorf("auth: generate session token: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func newEventID() string { return uuid.NewString() }
