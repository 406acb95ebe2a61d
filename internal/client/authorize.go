package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/giantswarm/mcp-conduit/internal/authflow"
)

// callbackTimeout bounds how long we wait for the user to finish the
// authorization hand-off in the browser.
const callbackTimeout = 5 * time.Minute

type callbackResult struct {
	code  string
	state string
}

// obtainAuthorizationCode hands the authorization URL off to the user
// and waits for the code to come back. With CodePrompt configured the
// caller relays the code out of band; otherwise a localhost callback
// server catches the redirect.
func (c *Client) obtainAuthorizationCode(ctx context.Context, engine *authflow.Engine) (string, error) {
	authURL := engine.State().AuthorizationURL
	if authURL == "" {
		return "", fmt.Errorf("no authorization URL available")
	}

	if c.cfg.CodePrompt != nil {
		return c.cfg.CodePrompt(authURL)
	}

	redirect := c.cfg.Auth.RedirectURL
	if redirect == "" {
		redirect = authflow.DefaultRedirectURL
	}
	redirectURL, err := url.Parse(redirect)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}

	callbackChan := make(chan callbackResult, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	path := redirectURL.Path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()
		if errCode := query.Get("error"); errCode != "" {
			desc := query.Get("error_description")
			http.Error(w, "Authorization failed. You can close this window.", http.StatusBadRequest)
			errChan <- fmt.Errorf("authorization denied: %s (%s)", errCode, desc)
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			errChan <- fmt.Errorf("callback received without authorization code")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h2>Authorization complete</h2><p>You can close this window and return to the terminal.</p></body></html>")
		callbackChan <- callbackResult{code: code, state: query.Get("state")}
	})

	server := &http.Server{
		Addr:         redirectURL.Host,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errChan <- fmt.Errorf("callback server failed: %w", serveErr)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("Opening browser for authorization...")
	c.logger.Info("If the browser does not open, visit:\n  %s", authURL)
	if err := openBrowser(authURL); err != nil {
		c.logger.WarningVerbose("Failed to open browser: %v", err)
	}

	select {
	case result := <-callbackChan:
		if result.state != engine.ExpectedState() {
			return "", fmt.Errorf("authorization state mismatch, possible CSRF attempt")
		}
		return result.code, nil
	case err := <-errChan:
		return "", err
	case <-time.After(callbackTimeout):
		return "", fmt.Errorf("timed out waiting for authorization callback")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// openBrowser launches the system browser for the given URL.
func openBrowser(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("refusing to open URL with scheme %q", parsed.Scheme)
	}

	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", rawURL).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL).Start()
	default:
		return exec.Command("xdg-open", rawURL).Start()
	}
}
