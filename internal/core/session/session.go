// Package session owns the identity-provider handshake and the lifetime of
// the resulting token pair. All cloud API calls borrow bearers from here.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenKind selects which bearer a downstream endpoint requires.
type TokenKind int

const (
	// AccessToken is the short-lived bearer used by most device endpoints.
	AccessToken TokenKind = iota
	// IdentityToken is the bearer required by account-scoped endpoints.
	IdentityToken
)

const (
	authAttempts   = 3
	authRetryDelay = 5000 * time.Millisecond
	refreshBuffer  = 60 * time.Second
)

// tokens is the atomically-replaced session state. A Session never holds a
// partially updated pair.
type tokens struct {
	access    string
	identity  string
	refresh   string
	expiresAt time.Time
}

// Session authenticates against the identity provider and keeps the token
// pair fresh. Safe for concurrent use by all API client calls.
type Session struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *slog.Logger

	authMu sync.Mutex   // serializes Authenticate sequences
	mu     sync.RWMutex // guards tok
	tok    *tokens

	refreshGroup singleflight.Group

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Session for the given identity-provider base URL.
func New(baseURL, apiKey string, client *http.Client, log *slog.Logger) *Session {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Session{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		log:     log,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Authenticate performs the full login handshake. Invalid credentials fail
// immediately with *CredentialError. Transient failures are retried up to 3
// total attempts with a fixed 5s delay between attempts; exhaustion yields a
// *TransientAuthError wrapping the last underlying error.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	var last error
	for attempt := 1; attempt <= authAttempts; attempt++ {
		tok, err := s.login(ctx, username, password)
		if err == nil {
			s.setTokens(tok)
			s.log.Info("authenticated", "expires_at", tok.expiresAt)
			return nil
		}

		var credErr *CredentialError
		if errors.As(err, &credErr) {
			return err
		}

		last = err
		s.log.Warn("authentication attempt failed", "attempt", attempt, "error", err)
		if attempt < authAttempts {
			if serr := s.sleep(ctx, authRetryDelay); serr != nil {
				return serr
			}
		}
	}
	return &TransientAuthError{Attempts: authAttempts, Err: last}
}

// EnsureFresh refreshes the token pair when its remaining lifetime is below
// the refresh buffer. It is a no-op for an unauthenticated session: the
// caller must authenticate first and will fail downstream otherwise.
// Concurrent callers share a single in-flight refresh.
func (s *Session) EnsureFresh(ctx context.Context) error {
	if !s.needsRefresh() {
		return nil
	}

	_, err, _ := s.refreshGroup.Do("refresh", func() (interface{}, error) {
		// Another caller may have completed the refresh while we waited.
		if !s.needsRefresh() {
			return nil, nil
		}

		s.mu.RLock()
		handle := s.tok.refresh
		s.mu.RUnlock()

		tok, err := s.refresh(ctx, handle)
		if err != nil {
			// A failed refresh invalidates the session; the caller must
			// re-authenticate.
			s.mu.Lock()
			s.tok = nil
			s.mu.Unlock()
			return nil, &CredentialError{Reason: "token refresh failed", Err: err}
		}

		s.setTokens(tok)
		s.log.Debug("session refreshed", "expires_at", tok.expiresAt)
		return nil, nil
	})
	return err
}

func (s *Session) needsRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == nil {
		return false
	}
	return s.tok.expiresAt.Sub(s.now()) < refreshBuffer
}

// Bearer returns the currently held token of the requested kind, or the
// empty string when unauthenticated. Callers treat an empty bearer as a
// request failure, not a crash.
func (s *Session) Bearer(kind TokenKind) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == nil {
		return ""
	}
	if kind == IdentityToken {
		return s.tok.identity
	}
	return s.tok.access
}

// Authenticated reports whether a token pair is currently held.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tok != nil
}

func (s *Session) setTokens(tok *tokens) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

// --- wire calls ---

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authResponse struct {
	Token           string `json:"token"`
	IDToken         string `json:"id_token"`
	RefreshToken    string `json:"refresh_token"`
	TokenExpiration int64  `json:"token_expiration"` // seconds
}

type errorResponse struct {
	Message string `json:"message"`
}

func (s *Session) login(ctx context.Context, username, password string) (*tokens, error) {
	return s.tokenCall(ctx, s.baseURL+"/users/auth", authRequest{
		Username: username,
		Password: password,
	})
}

func (s *Session) refresh(ctx context.Context, handle string) (*tokens, error) {
	return s.tokenCall(ctx, s.baseURL+"/users/auth/refresh", refreshRequest{
		RefreshToken: handle,
	})
}

func (s *Session) tokenCall(ctx context.Context, url string, body interface{}) (*tokens, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := providerMessage(raw)
		if isCredentialStatus(resp.StatusCode) {
			return nil, &CredentialError{Reason: fmt.Sprintf("provider rejected credentials (HTTP %d): %s", resp.StatusCode, msg)}
		}
		return nil, fmt.Errorf("auth HTTP %d: %s", resp.StatusCode, msg)
	}

	var parsed authResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if parsed.Token == "" {
		return nil, fmt.Errorf("auth response missing token")
	}

	return &tokens{
		access:    parsed.Token,
		identity:  parsed.IDToken,
		refresh:   parsed.RefreshToken,
		expiresAt: s.now().Add(time.Duration(parsed.TokenExpiration) * time.Second),
	}, nil
}

// isCredentialStatus classifies provider rejections that must never be
// retried: bad credentials or an unknown user.
func isCredentialStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func providerMessage(raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Message != "" {
		return er.Message
	}
	return "unknown error"
}
