package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// callbackShutdownTimeout bounds how long the loopback server lingers after
// the code arrives.
const callbackShutdownTimeout = 2 * time.Second

// callbackResult carries the outcome of one OAuth redirect.
type callbackResult struct {
	code string
	err  error
}

// deliver hands a result to the waiting flow without blocking. Only the
// first result counts; late or duplicate redirects are dropped so their
// handler goroutines never hang on the channel.
func deliver(results chan<- callbackResult, res callbackResult) {
	select {
	case results <- res:
	default:
	}
}

// runAuthCodeFlow executes the authorization-code grant with PKCE against a
// loopback redirect: it binds the redirect address, prints the authorization
// URL for the user to open, waits for the provider to redirect the browser
// back with a code, and exchanges the code for a token.
func runAuthCodeFlow(ctx context.Context, oc *oauth2.Config, extra ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	redirect, err := url.Parse(oc.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URL: %w", err)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("binding %s for the OAuth redirect: %w", redirect.Host, err)
	}

	state, err := randomState()
	if err != nil {
		listener.Close()
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()

	authOpts := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}, extra...)
	authURL := oc.AuthCodeURL(state, authOpts...)

	// Sign-in prompts must always be visible — not suppressed by --quiet.
	fmt.Fprintf(os.Stderr, "To sign in, open this URL in your browser:\n\n  %s\n\nWaiting for the redirect...\n", authURL)

	results := make(chan callbackResult, 1)

	srv := &http.Server{
		Handler:           callbackHandler(state, redirect.Path, results),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			deliver(results, callbackResult{err: fmt.Errorf("callback server: %w", serveErr)})
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackShutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	var res callbackResult

	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for OAuth redirect: %w", ctx.Err())
	}

	if res.err != nil {
		return nil, res.err
	}

	tok, err := oc.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	return tok, nil
}

// callbackHandler accepts the provider's redirect, validates the state
// parameter, and hands the code to the waiting flow.
func callbackHandler(wantState, path string, results chan<- callbackResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if path != "" && r.URL.Path != path {
			http.NotFound(w, r)
			return
		}

		q := r.URL.Query()

		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "Sign-in failed. You can close this tab.", http.StatusBadRequest)
			deliver(results, callbackResult{err: fmt.Errorf("authorization denied: %s", errCode)})

			return
		}

		if q.Get("state") != wantState {
			http.Error(w, "Sign-in failed. You can close this tab.", http.StatusBadRequest)
			deliver(results, callbackResult{err: fmt.Errorf("OAuth state mismatch")})

			return
		}

		code := q.Get("code")
		if code == "" {
			http.Error(w, "Sign-in failed. You can close this tab.", http.StatusBadRequest)
			deliver(results, callbackResult{err: fmt.Errorf("redirect missing authorization code")})

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>Sign-in complete. You can close this tab.</body></html>")

		deliver(results, callbackResult{code: code})
	})
}

// randomState returns an unguessable OAuth state parameter.
func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating OAuth state: %w", err)
	}

	return hex.EncodeToString(buf), nil
}
