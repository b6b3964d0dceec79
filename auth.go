package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/jkarvo/lrsync/internal/tokenfile"
	"github.com/jkarvo/lrsync/internal/tokenstore"
)

// providerNames are the valid arguments to login and logout.
var providerNames = []string{string(tokenstore.ProviderDrive), string(tokenstore.ProviderLightroom)}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "login <drive|lightroom>",
		Short:     "Authenticate with a provider in the browser",
		Args:      cobra.ExactArgs(1),
		ValidArgs: providerNames,
		RunE:      runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "logout [drive|lightroom]",
		Short:     "Remove saved authentication tokens",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: providerNames,
		RunE:      runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the authenticated accounts",
		RunE:  runWhoami,
	}
}

// parseProvider maps a command argument to a Provider.
func parseProvider(arg string) (tokenstore.Provider, error) {
	switch arg {
	case string(tokenstore.ProviderDrive):
		return tokenstore.ProviderDrive, nil
	case string(tokenstore.ProviderLightroom):
		return tokenstore.ProviderLightroom, nil
	default:
		return "", fmt.Errorf("unknown provider %q (expected drive or lightroom)", arg)
	}
}

func runLogin(_ *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := context.Background()

	provider, err := parseProvider(args[0])
	if err != nil {
		return err
	}

	oc := oauthConfig(provider, resolvedCfg)
	if oc.ClientID == "" {
		return fmt.Errorf("no OAuth client id configured for %s — set it in the config file or environment", provider)
	}

	logger.Info("login started", "provider", string(provider))

	// Google only issues a refresh token when offline access is requested
	// and consent is re-prompted. Adobe uses the offline_access scope.
	var extra []oauth2.AuthCodeOption
	if provider == tokenstore.ProviderDrive {
		extra = append(extra, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	}

	tok, err := runAuthCodeFlow(ctx, oc, extra...)
	if err != nil {
		return err
	}

	path := tokenPath(resolvedCfg, provider)
	if err := tokenfile.Save(path, tok, nil); err != nil {
		return err
	}

	if err := verifyLogin(ctx, provider, path); err != nil {
		return fmt.Errorf("login succeeded but the connection test failed: %w", err)
	}

	logger.Info("login successful", "provider", string(provider))

	return nil
}

// verifyLogin makes one API call with the fresh token, caches account
// metadata in the token file, and prints who signed in.
func verifyLogin(ctx context.Context, provider tokenstore.Provider, path string) error {
	store, err := openStore(resolvedCfg, buildLogger())
	if err != nil {
		return err
	}

	httpc := defaultHTTPClient()

	if provider == tokenstore.ProviderDrive {
		user, err := newDriveClient(httpc, store, resolvedCfg, buildLogger()).About(ctx)
		if err != nil {
			return err
		}

		meta := map[string]string{
			tokenfile.MetaAccountEmail: user.Email,
			tokenfile.MetaAccountName:  user.DisplayName,
		}
		if err := tokenfile.MergeMeta(path, meta); err != nil {
			return err
		}

		statusf("Logged in to Google Drive as %s (%s)\n", user.DisplayName, user.Email)

		return nil
	}

	lr := newLightroomClient(httpc, store, resolvedCfg, buildLogger())

	acct, err := lr.GetAccount(ctx)
	if err != nil {
		return err
	}

	cat, err := lr.GetCatalog(ctx)
	if err != nil {
		return err
	}

	meta := map[string]string{
		tokenfile.MetaAccountEmail: acct.Email,
		tokenfile.MetaAccountName:  acct.FullName,
		tokenfile.MetaCatalogID:    cat.ID,
	}
	if err := tokenfile.MergeMeta(path, meta); err != nil {
		return err
	}

	statusf("Logged in to Adobe Lightroom as %s (%s), catalog %q\n", acct.FullName, acct.Email, cat.Name)

	return nil
}

func runLogout(_ *cobra.Command, args []string) error {
	providers := []tokenstore.Provider{tokenstore.ProviderDrive, tokenstore.ProviderLightroom}

	if len(args) == 1 {
		p, err := parseProvider(args[0])
		if err != nil {
			return err
		}

		providers = []tokenstore.Provider{p}
	}

	for _, p := range providers {
		if err := tokenfile.Remove(tokenPath(resolvedCfg, p)); err != nil {
			return fmt.Errorf("removing %s token: %w", p, err)
		}

		statusf("Logged out of %s.\n", p)
	}

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Drive     *whoamiAccount `json:"drive"`
	Lightroom *whoamiAccount `json:"lightroom"`
}

type whoamiAccount struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	CatalogID string `json:"catalog_id,omitempty"`
}

func runWhoami(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	store, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}

	httpc := defaultHTTPClient()

	var out whoamiOutput

	if user, err := newDriveClient(httpc, store, resolvedCfg, logger).About(ctx); err == nil {
		out.Drive = &whoamiAccount{Name: user.DisplayName, Email: user.Email}
	} else {
		logger.Debug("drive account unavailable", "error", err.Error())
	}

	lr := newLightroomClient(httpc, store, resolvedCfg, logger)
	if acct, err := lr.GetAccount(ctx); err == nil {
		out.Lightroom = &whoamiAccount{
			Name:      acct.FullName,
			Email:     acct.Email,
			CatalogID: store.Meta(tokenstore.ProviderLightroom)[tokenfile.MetaCatalogID],
		}
	} else {
		logger.Debug("lightroom account unavailable", "error", err.Error())
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printWhoamiText(out)

	return nil
}

func printWhoamiText(out whoamiOutput) {
	if out.Drive != nil {
		fmt.Printf("Google Drive:    %s (%s)\n", out.Drive.Name, out.Drive.Email)
	} else {
		fmt.Println("Google Drive:    not logged in")
	}

	if out.Lightroom != nil {
		fmt.Printf("Adobe Lightroom: %s (%s)\n", out.Lightroom.Name, out.Lightroom.Email)

		if out.Lightroom.CatalogID != "" {
			fmt.Printf("  Catalog: %s\n", out.Lightroom.CatalogID)
		}
	} else {
		fmt.Println("Adobe Lightroom: not logged in")
	}
}
