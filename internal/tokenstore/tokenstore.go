// Package tokenstore manages live OAuth2 credential state for the two
// provider sessions (Google Drive source, Adobe Lightroom destination).
// It guarantees callers a token valid for at least RefreshMargin and
// serializes refresh exchanges per provider so a refresh token is never
// presented to the authorization server by two requests at once.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/jkarvo/lrsync/internal/tokenfile"
)

// Provider identifies one of the two OAuth sessions.
type Provider string

// The two providers. Values double as token file basenames.
const (
	ProviderDrive     Provider = "drive"
	ProviderLightroom Provider = "lightroom"
)

// RefreshMargin is how far into the future a cached access token must
// remain valid to be handed out without a refresh.
const RefreshMargin = 60 * time.Second

// Sentinel errors.
var (
	// ErrAuthExpired means the refresh token itself was rejected. The run
	// cannot continue; the user must re-consent via `lrsync login`.
	ErrAuthExpired = errors.New("tokenstore: authorization expired, run `lrsync login` again")

	// ErrNotLoggedIn means no session is registered for the provider.
	ErrNotLoggedIn = errors.New("tokenstore: not logged in")
)

// refreshFunc performs the refresh-token grant. Tests inject their own.
type refreshFunc func(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error)

// session holds live credential state for one provider. The mutex is held
// across the entire refresh exchange: concurrent callers needing a token
// block on the in-flight refresh instead of issuing duplicates.
type session struct {
	mu   sync.Mutex
	cfg  *oauth2.Config
	tok  *oauth2.Token
	meta map[string]string
	path string // token file for persistence; empty disables persistence
}

// Store holds the two provider sessions.
type Store struct {
	sessions map[Provider]*session
	logger   *slog.Logger

	now     func() time.Time
	refresh refreshFunc
}

// New creates an empty Store. Sessions are added with Register.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		sessions: make(map[Provider]*session, 2),
		logger:   logger,
		now:      time.Now,
		refresh:  doRefresh,
	}
}

// Register installs a session for a provider. tok is the initial token
// (typically loaded from disk by the credential collaborator). tokenPath,
// when non-empty, is where refreshed tokens are persisted.
func (s *Store) Register(p Provider, cfg *oauth2.Config, tok *oauth2.Token, meta map[string]string, tokenPath string) {
	s.sessions[p] = &session{
		cfg:  cfg,
		tok:  tok,
		meta: meta,
		path: tokenPath,
	}

	s.logger.Debug("session registered",
		slog.String("provider", string(p)),
		slog.Bool("has_refresh_token", tok != nil && tok.RefreshToken != ""),
	)
}

// AccessToken returns an access token for the provider, guaranteed valid
// for at least RefreshMargin. If the cached token is expired or inside the
// margin, a refresh exchange runs first (serialized per provider). Returns
// ErrAuthExpired if the refresh token is rejected.
func (s *Store) AccessToken(ctx context.Context, p Provider) (string, error) {
	sess, ok := s.sessions[p]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotLoggedIn, p)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if s.tokenUsable(sess.tok) {
		return sess.tok.AccessToken, nil
	}

	if sess.tok == nil || sess.tok.RefreshToken == "" {
		return "", fmt.Errorf("%w: %s", ErrNotLoggedIn, p)
	}

	s.logger.Info("refreshing access token",
		slog.String("provider", string(p)),
	)

	newTok, err := s.refresh(ctx, sess.cfg, sess.tok.RefreshToken)
	if err != nil {
		if isRefreshRejected(err) {
			s.logger.Warn("refresh token rejected",
				slog.String("provider", string(p)),
				slog.String("error", err.Error()),
			)

			return "", fmt.Errorf("%w: %s", ErrAuthExpired, p)
		}

		return "", fmt.Errorf("tokenstore: refreshing %s token: %w", p, err)
	}

	// Some providers omit the refresh token on refresh responses; keep the
	// old one so the session survives further refreshes.
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = sess.tok.RefreshToken
	}

	sess.tok = newTok

	s.logger.Info("access token refreshed",
		slog.String("provider", string(p)),
		slog.Time("expiry", newTok.Expiry),
	)

	if sess.path != "" {
		if saveErr := tokenfile.Save(sess.path, newTok, sess.meta); saveErr != nil {
			// Persistence failure is not fatal to the run — the in-memory
			// session is already updated.
			s.logger.Warn("failed to persist refreshed token",
				slog.String("provider", string(p)),
				slog.String("error", saveErr.Error()),
			)
		}
	}

	return newTok.AccessToken, nil
}

// Meta returns the cached provider metadata captured at registration.
func (s *Store) Meta(p Provider) map[string]string {
	sess, ok := s.sessions[p]
	if !ok {
		return nil
	}

	return sess.meta
}

// Source returns a per-provider token source suitable for injection into
// the API clients ("accept interfaces, return structs" — the clients define
// the interface this satisfies).
func (s *Store) Source(p Provider) *ProviderSource {
	return &ProviderSource{store: s, provider: p}
}

// ProviderSource adapts the Store to the single-method token source the
// API clients accept.
type ProviderSource struct {
	store    *Store
	provider Provider
}

// Token returns a valid access token for the bound provider.
func (ps *ProviderSource) Token(ctx context.Context) (string, error) {
	return ps.store.AccessToken(ctx, ps.provider)
}

// tokenUsable reports whether tok can be handed out without a refresh.
func (s *Store) tokenUsable(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}

	// Zero expiry means the provider did not report one; treat as usable.
	if tok.Expiry.IsZero() {
		return true
	}

	return s.now().Add(RefreshMargin).Before(tok.Expiry)
}

// doRefresh performs a real refresh-token grant via the oauth2 package.
// Passing a token with only the refresh token forces an immediate exchange.
func doRefresh(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	return src.Token()
}

// isRefreshRejected reports whether the token endpoint rejected the refresh
// token itself (invalid_grant, or a 400/401 response), as opposed to a
// transient transport failure.
func isRefreshRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}

	if re.ErrorCode == "invalid_grant" {
		return true
	}

	if re.Response == nil {
		return false
	}

	return re.Response.StatusCode == http.StatusBadRequest ||
		re.Response.StatusCode == http.StatusUnauthorized
}
