package tokenstore

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jkarvo/lrsync/internal/tokenfile"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s := New(nil)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	return s
}

func validToken(s *Store) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "cached-access",
		RefreshToken: "refresh-1",
		Expiry:       s.now().Add(time.Hour),
	}
}

func expiredToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		Expiry:       time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestAccessToken_CachedTokenReused(t *testing.T) {
	s := testStore(t)
	s.refresh = func(context.Context, *oauth2.Config, string) (*oauth2.Token, error) {
		t.Fatal("refresh must not be called for a valid token")
		return nil, nil
	}

	s.Register(ProviderDrive, &oauth2.Config{}, validToken(s), nil, "")

	tok, err := s.AccessToken(context.Background(), ProviderDrive)
	require.NoError(t, err)
	assert.Equal(t, "cached-access", tok)
}

func TestAccessToken_RefreshesInsideMargin(t *testing.T) {
	s := testStore(t)

	var calls atomic.Int32

	s.refresh = func(_ context.Context, _ *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
		calls.Add(1)
		assert.Equal(t, "refresh-1", refreshToken)

		return &oauth2.Token{
			AccessToken:  "fresh-access",
			RefreshToken: "refresh-2",
			Expiry:       s.now().Add(time.Hour),
		}, nil
	}

	// Expires in 30s — inside the 60s margin, so a refresh is required.
	s.Register(ProviderDrive, &oauth2.Config{}, &oauth2.Token{
		AccessToken:  "expiring-access",
		RefreshToken: "refresh-1",
		Expiry:       s.now().Add(30 * time.Second),
	}, nil, "")

	tok, err := s.AccessToken(context.Background(), ProviderDrive)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok)
	assert.Equal(t, int32(1), calls.Load())

	// Second call reuses the refreshed token.
	tok, err = s.AccessToken(context.Background(), ProviderDrive)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAccessToken_ZeroExpiryUsable(t *testing.T) {
	s := testStore(t)
	s.Register(ProviderDrive, &oauth2.Config{}, &oauth2.Token{AccessToken: "no-expiry"}, nil, "")

	tok, err := s.AccessToken(context.Background(), ProviderDrive)
	require.NoError(t, err)
	assert.Equal(t, "no-expiry", tok)
}

func TestAccessToken_ConcurrentCallersSingleRefresh(t *testing.T) {
	s := testStore(t)

	var (
		calls    atomic.Int32
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)

	s.refresh = func(context.Context, *oauth2.Config, string) (*oauth2.Token, error) {
		calls.Add(1)

		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)

		return &oauth2.Token{
			AccessToken:  "fresh-access",
			RefreshToken: "refresh-2",
			Expiry:       s.now().Add(time.Hour),
		}, nil
	}

	s.Register(ProviderLightroom, &oauth2.Config{}, expiredToken(), nil, "")

	const callers = 16

	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tok, err := s.AccessToken(context.Background(), ProviderLightroom)
			assert.NoError(t, err)
			assert.Equal(t, "fresh-access", tok)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "expired token must trigger exactly one refresh")
	assert.Equal(t, int32(1), maxSeen.Load(), "refreshes must never run concurrently")
}

func TestAccessToken_ProvidersIndependent(t *testing.T) {
	s := testStore(t)

	var calls atomic.Int32

	s.refresh = func(context.Context, *oauth2.Config, string) (*oauth2.Token, error) {
		calls.Add(1)

		return &oauth2.Token{
			AccessToken: "fresh-access",
			Expiry:      s.now().Add(time.Hour),
		}, nil
	}

	s.Register(ProviderDrive, &oauth2.Config{}, expiredToken(), nil, "")
	s.Register(ProviderLightroom, &oauth2.Config{}, expiredToken(), nil, "")

	_, err := s.AccessToken(context.Background(), ProviderDrive)
	require.NoError(t, err)
	_, err = s.AccessToken(context.Background(), ProviderLightroom)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestAccessToken_RefreshRejectedIsAuthExpired(t *testing.T) {
	s := testStore(t)
	s.refresh = func(context.Context, *oauth2.Config, string) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode: "invalid_grant",
		}
	}

	s.Register(ProviderDrive, &oauth2.Config{}, expiredToken(), nil, "")

	_, err := s.AccessToken(context.Background(), ProviderDrive)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestAccessToken_TransientRefreshFailureNotAuthExpired(t *testing.T) {
	s := testStore(t)
	s.refresh = func(context.Context, *oauth2.Config, string) (*oauth2.Token, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	s.Register(ProviderDrive, &oauth2.Config{}, expiredToken(), nil, "")

	_, err := s.AccessToken(context.Background(), ProviderDrive)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthExpired)
}

func TestAccessToken_NotLoggedIn(t *testing.T) {
	s := testStore(t)

	_, err := s.AccessToken(context.Background(), ProviderDrive)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	// Registered but no refresh token and expired access token.
	s.Register(ProviderLightroom, &oauth2.Config{}, &oauth2.Token{
		AccessToken: "stale",
		Expiry:      s.now().Add(-time.Hour),
	}, nil, "")

	_, err = s.AccessToken(context.Background(), ProviderLightroom)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestAccessToken_KeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	s := testStore(t)

	var gotRefreshToken string

	s.refresh = func(_ context.Context, _ *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
		gotRefreshToken = refreshToken

		// Adobe IMS style: refresh responses may omit the refresh token.
		return &oauth2.Token{
			AccessToken: "fresh-access",
			Expiry:      s.now().Add(time.Minute + RefreshMargin),
		}, nil
	}

	s.Register(ProviderLightroom, &oauth2.Config{}, expiredToken(), nil, "")

	_, err := s.AccessToken(context.Background(), ProviderLightroom)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", gotRefreshToken)

	// Force another refresh; the preserved refresh token must be reused.
	s.sessions[ProviderLightroom].tok.Expiry = s.now().Add(-time.Minute)

	_, err = s.AccessToken(context.Background(), ProviderLightroom)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", gotRefreshToken)
}

func TestAccessToken_PersistsRefreshedToken(t *testing.T) {
	s := testStore(t)
	s.refresh = func(context.Context, *oauth2.Config, string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken:  "fresh-access",
			RefreshToken: "refresh-2",
			Expiry:       s.now().Add(time.Hour),
		}, nil
	}

	path := tokenfile.Path(t.TempDir(), string(ProviderDrive))
	meta := map[string]string{tokenfile.MetaAccountEmail: "a@b.c"}

	s.Register(ProviderDrive, &oauth2.Config{}, expiredToken(), meta, path)

	_, err := s.AccessToken(context.Background(), ProviderDrive)
	require.NoError(t, err)

	tok, loadedMeta, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)
	assert.Equal(t, "refresh-2", tok.RefreshToken)
	assert.Equal(t, "a@b.c", loadedMeta[tokenfile.MetaAccountEmail])
}

func TestSource_BindsProvider(t *testing.T) {
	s := testStore(t)
	s.Register(ProviderDrive, &oauth2.Config{}, validToken(s), nil, "")

	src := s.Source(ProviderDrive)

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached-access", tok)
}
