package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/jkarvo/lrsync/internal/config"
	"github.com/jkarvo/lrsync/internal/drive"
	"github.com/jkarvo/lrsync/internal/lightroom"
	"github.com/jkarvo/lrsync/internal/tokenfile"
	"github.com/jkarvo/lrsync/internal/tokenstore"
)

// Loopback redirect URLs registered with each provider's OAuth app.
const (
	driveRedirectURL     = "http://127.0.0.1:8780/callback"
	lightroomRedirectURL = "http://127.0.0.1:8781/callback"
)

// driveScope grants read-only access to Drive content.
const driveScope = "https://www.googleapis.com/auth/drive.readonly"

// adobeIMSEndpoint is Adobe's Identity Management System. Lightroom has no
// entry in the oauth2 endpoints catalog.
var adobeIMSEndpoint = oauth2.Endpoint{
	AuthURL:  "https://ims-na1.adobelogin.com/ims/authorize/v2",
	TokenURL: "https://ims-na1.adobelogin.com/ims/token/v3",
}

// lightroomScopes cover identity plus the Lightroom Partner API.
// offline_access is required for a refresh token.
var lightroomScopes = []string{"openid", "lr_partner_apis", "offline_access"}

// oauthConfig builds the OAuth2 client configuration for one provider.
func oauthConfig(p tokenstore.Provider, cfg *config.Config) *oauth2.Config {
	if p == tokenstore.ProviderDrive {
		return &oauth2.Config{
			ClientID:     cfg.Drive.ClientID,
			ClientSecret: cfg.Drive.ClientSecret,
			Endpoint:     endpoints.Google,
			RedirectURL:  driveRedirectURL,
			Scopes:       []string{driveScope},
		}
	}

	return &oauth2.Config{
		ClientID:     cfg.Lightroom.ClientID,
		ClientSecret: cfg.Lightroom.ClientSecret,
		Endpoint:     adobeIMSEndpoint,
		RedirectURL:  lightroomRedirectURL,
		Scopes:       lightroomScopes,
	}
}

// tokenPath returns the token file location for a provider.
func tokenPath(cfg *config.Config, p tokenstore.Provider) string {
	return tokenfile.Path(cfg.ResolvedTokenDir(), string(p))
}

// openStore loads saved tokens from disk and registers a session for each
// provider that has one. Providers without a token stay unregistered and
// surface ErrNotLoggedIn at first use.
func openStore(cfg *config.Config, logger *slog.Logger) (*tokenstore.Store, error) {
	store := tokenstore.New(logger)

	for _, p := range []tokenstore.Provider{tokenstore.ProviderDrive, tokenstore.ProviderLightroom} {
		path := tokenPath(cfg, p)

		tok, meta, err := tokenfile.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s credentials: %w", p, err)
		}

		if tok == nil {
			continue
		}

		store.Register(p, oauthConfig(p, cfg), tok, meta, path)
	}

	return store, nil
}

// newDriveClient builds a Drive API client bound to the store's session.
func newDriveClient(httpc *http.Client, store *tokenstore.Store, cfg *config.Config, logger *slog.Logger) *drive.Client {
	return drive.NewClient(httpc, store.Source(tokenstore.ProviderDrive), logger,
		drive.WithPageSize(cfg.Transfers.PageSize))
}

// newLightroomClient builds a Lightroom API client bound to the store's
// session. The OAuth client id doubles as the Partner API key.
func newLightroomClient(httpc *http.Client, store *tokenstore.Store, cfg *config.Config, logger *slog.Logger) *lightroom.Client {
	return lightroom.NewClient(httpc, store.Source(tokenstore.ProviderLightroom), cfg.Lightroom.ClientID, logger)
}

// resolveCatalogID returns the Lightroom catalog id, preferring the value
// cached in the token file at login and falling back to an API call. A
// fetched id is cached for next time; a cache write failure only warns.
func resolveCatalogID(ctx context.Context, store *tokenstore.Store, lr *lightroom.Client, path string, logger *slog.Logger) (string, error) {
	if meta := store.Meta(tokenstore.ProviderLightroom); meta[tokenfile.MetaCatalogID] != "" {
		return meta[tokenfile.MetaCatalogID], nil
	}

	cat, err := lr.GetCatalog(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving catalog: %w", err)
	}

	if err := tokenfile.MergeMeta(path, map[string]string{tokenfile.MetaCatalogID: cat.ID}); err != nil {
		logger.Warn("failed to cache catalog id", slog.String("error", err.Error()))
	}

	return cat.ID, nil
}

// friendlyAuthError rewrites credential errors into actionable messages.
func friendlyAuthError(err error) error {
	switch {
	case errors.Is(err, tokenstore.ErrNotLoggedIn):
		return fmt.Errorf("not logged in — run 'lrsync login' first")
	case errors.Is(err, tokenstore.ErrAuthExpired):
		return fmt.Errorf("authorization expired — run 'lrsync login' again")
	default:
		return err
	}
}
