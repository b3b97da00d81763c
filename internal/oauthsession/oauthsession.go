// Package oauthsession implements OAuthSessionStore: a short-lived,
// keyed store of in-progress authorization sessions (PKCE verifier +
// CSRF state + timestamp), backed by an in-memory TTL map and mirrored
// best-effort to SQLite. Lookups use the in-memory map only, so a
// session begun before a process restart is not found after it.
package oauthsession

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ccflare/proxy/internal/store"
)

const sessionTTL = 10 * time.Minute
const stateValidityWindow = 5 * time.Minute

// Session is a pending authorization-code exchange.
type Session struct {
	ID           string
	AccountName  string
	Provider     string
	CodeVerifier string
	CSRFToken    string
	CreatedAtMs  int64
}

// csrfState is the JSON shape embedded, base64url-encoded, in the OAuth
// "state" query parameter.
type csrfState struct {
	CSRFToken   string `json:"csrfToken"`
	TimestampMs int64  `json:"timestampMs"`
}

// Store manages pending PKCE sessions. The in-memory TTLMap, keyed by
// state, is the only place Consume looks a session up. Begin also writes
// a DB row best-effort and Consume deletes it; the row is never read.
type Store struct {
	mem *store.TTLMap[Session]
	db  store.Store
}

func New(db store.Store) *Store {
	return &Store{mem: store.NewTTLMap[Session](), db: db}
}

// Begin starts a new PKCE + CSRF-state authorization session and returns
// the values to embed in the authorization URL.
func (s *Store) Begin(ctx context.Context, accountName, provider string) (authState, codeChallenge, codeVerifier string, err error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", "", "", fmt.Errorf("generate pkce: %w", err)
	}

	csrfBytes := make([]byte, 32)
	if _, err := rand.Read(csrfBytes); err != nil {
		return "", "", "", fmt.Errorf("generate csrf token: %w", err)
	}
	csrfToken := hex.EncodeToString(csrfBytes)
	now := time.Now()

	statePayload, err := json.Marshal(csrfState{CSRFToken: csrfToken, TimestampMs: now.UnixMilli()})
	if err != nil {
		return "", "", "", err
	}
	state := base64.URLEncoding.EncodeToString(statePayload)

	id := uuid.New().String()
	sess := Session{
		ID:           id,
		AccountName:  accountName,
		Provider:     provider,
		CodeVerifier: verifier,
		CSRFToken:    csrfToken,
		CreatedAtMs:  now.UnixMilli(),
	}
	s.mem.Set(state, sess, sessionTTL)

	if s.db != nil {
		_ = s.db.PutOAuthSession(ctx, &store.OAuthSession{
			ID:           id,
			AccountName:  accountName,
			Provider:     provider,
			CodeVerifier: verifier,
			CSRFToken:    csrfToken,
			CreatedAtMs:  now.UnixMilli(),
			ExpiresAtMs:  now.Add(sessionTTL).UnixMilli(),
		})
	}

	return state, challenge, verifier, nil
}

// Consume validates and removes the session matching state. It enforces
// that the embedded timestamp is within the last 5 minutes before
// accepting the exchange.
func (s *Store) Consume(ctx context.Context, state string) (Session, error) {
	decoded, err := base64.URLEncoding.DecodeString(state)
	if err != nil {
		return Session{}, fmt.Errorf("malformed state: %w", err)
	}
	var parsed csrfState
	if err := json.Unmarshal(decoded, &parsed); err != nil {
		return Session{}, fmt.Errorf("malformed state payload: %w", err)
	}

	age := time.Since(time.UnixMilli(parsed.TimestampMs))
	if age < 0 || age > stateValidityWindow {
		return Session{}, fmt.Errorf("state timestamp outside validity window")
	}

	sess, ok := s.mem.GetAndDelete(state)
	if !ok {
		return Session{}, fmt.Errorf("no pending session for state")
	}
	if sess.CSRFToken != parsed.CSRFToken {
		return Session{}, fmt.Errorf("csrf token mismatch")
	}

	if s.db != nil {
		_ = s.db.DeleteOAuthSession(ctx, sess.ID)
	}
	return sess, nil
}

func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}
