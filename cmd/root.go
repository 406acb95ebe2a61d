package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-conduit/internal/authflow"
	"github.com/giantswarm/mcp-conduit/internal/client"
	"github.com/giantswarm/mcp-conduit/internal/jsonrpc"
	"github.com/giantswarm/mcp-conduit/internal/logging"
)

var (
	version  string
	endpoint string
	timeout  time.Duration
	verbose  bool
	noColor  bool
	jsonRPC  bool
	replMode bool

	// OAuth flags
	oauthEnabled          bool
	oauthClientID         string
	oauthClientSecret     string
	oauthScopes           []string
	oauthRedirectURL      string
	oauthPreferredAuthSrv string
	oauthProxyURL         string
	oauthProxyToken       string
	oauthValidate         bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-conduit",
	Short: "MCP client over streamable HTTP",
	Long: `mcp-conduit connects to MCP (Model Context Protocol) servers over the
streamable HTTP transport.

It maintains one logical connection per server: outbound calls go over
POST, inbound traffic arrives over a long-lived event stream that is
resumed and reconnected automatically, and the session survives
transient failures.

For protected servers the built-in OAuth 2.1 workflow handles metadata
discovery, dynamic client registration, the PKCE authorization-code
exchange, and token refresh. Authorization traffic can optionally be
routed through an intermediary with --oauth-proxy-url for environments
where the authorization server is not directly reachable.

The tool runs in two modes:
- Normal mode (default): connect, then print inbound notifications
  until the timeout elapses
- REPL mode (--repl): interactive request execution with history and
  tab completion

By default it connects to http://localhost:8090/mcp. Override this
with the --endpoint flag.`,
	RunE: runConduit,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.Flags().StringVar(&endpoint, "endpoint", "http://localhost:8090/mcp", "MCP endpoint URL")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for notifications in normal mode")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (show transport internals)")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.Flags().BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")
	rootCmd.Flags().BoolVar(&replMode, "repl", false, "Start interactive REPL mode")

	// OAuth flags
	rootCmd.Flags().BoolVar(&oauthEnabled, "oauth", false, "Enable OAuth authentication for connecting to protected MCP servers")
	rootCmd.Flags().StringVar(&oauthClientID, "oauth-client-id", "", "OAuth client ID (optional - will use Dynamic Client Registration if not provided)")
	rootCmd.Flags().StringVar(&oauthClientSecret, "oauth-client-secret", "", "OAuth client secret (optional)")
	rootCmd.Flags().StringSliceVar(&oauthScopes, "oauth-scopes", []string{}, "OAuth scopes to request (optional - discovered from server metadata if not provided)")
	rootCmd.Flags().StringVar(&oauthRedirectURL, "oauth-redirect-url", authflow.DefaultRedirectURL, "OAuth redirect URL for the authorization callback")
	rootCmd.Flags().StringVar(&oauthPreferredAuthSrv, "oauth-preferred-auth-server", "", "Preferred authorization server URL when multiple are available")
	rootCmd.Flags().StringVar(&oauthProxyURL, "oauth-proxy-url", "", "Route authorization traffic through the intermediary at this base URL")
	rootCmd.Flags().StringVar(&oauthProxyToken, "oauth-proxy-token", "", "Bearer credential authenticating this client to the intermediary")
	rootCmd.Flags().BoolVar(&oauthValidate, "oauth-validate-tokens", false, "Probe the protected endpoint with the new token before declaring success")

	rootCmd.AddCommand(newSelfUpdateCmd())
}

// validateEndpoint checks the endpoint flag before any network activity.
func validateEndpoint() error {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return fmt.Errorf("endpoint '%s' must be an http or https URL", endpoint)
	}
	return nil
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()
}

// buildAuthConfig creates an authorization configuration from CLI flags
func buildAuthConfig(cmd *cobra.Command, logger *logging.Logger) (*authflow.Config, error) {
	if !oauthEnabled {
		return nil, nil
	}

	// Security warning: a secret passed via CLI flag is visible in
	// process listings.
	if oauthClientSecret != "" && cmd.Flags().Changed("oauth-client-secret") {
		logger.Warning("Security Warning: Client secret passed via CLI flag is visible in process listings")
		logger.Info("Consider using environment variables instead: export OAUTH_CLIENT_SECRET=\"...\"")
	}

	cfg := &authflow.Config{
		ServerURL:           endpoint,
		ClientID:            oauthClientID,
		ClientSecret:        oauthClientSecret,
		Scopes:              oauthScopes,
		RedirectURL:         oauthRedirectURL,
		PreferredAuthServer: oauthPreferredAuthSrv,
		ProxyURL:            oauthProxyURL,
		ProxyToken:          oauthProxyToken,
		ValidateTokens:      oauthValidate,
		Logger:              logger,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OAuth configuration: %w", err)
	}

	if oauthClientID == "" {
		logger.Info("OAuth enabled - will attempt Dynamic Client Registration")
	} else {
		logger.Info("OAuth enabled with client ID: %s", oauthClientID)
	}
	if oauthProxyURL != "" {
		logger.Info("Authorization traffic routed through %s", oauthProxyURL)
	}

	return cfg, nil
}

// runNormalMode keeps the connection open and prints inbound traffic
// until the timeout elapses or the context is cancelled.
func runNormalMode(ctx context.Context, logger *logging.Logger) error {
	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	<-timeoutCtx.Done()
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Info("Timeout reached after %v", timeout)
	}
	return nil
}

func runConduit(cmd *cobra.Command, args []string) error {
	if err := validateEndpoint(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	logger := logging.NewLogger(verbose, !noColor, jsonRPC)

	authConfig, err := buildAuthConfig(cmd, logger)
	if err != nil {
		return err
	}

	conn, err := client.New(client.Config{
		Endpoint: endpoint,
		Auth:     authConfig,
		Logger:   logger,
		Version:  version,
		OnMessage: func(msg *jsonrpc.Message) {
			logger.Notification(msg.Method, msg.Params)
		},
		OnError: func(err error) {
			logger.WarningVerbose("Transport: %v", err)
		},
		OnStepChange: func(step authflow.Step) {
			logger.InfoVerbose("Authorization step: %s", step)
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if authConfig != nil {
		if err := conn.Authenticate(ctx); err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}
	}

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if replMode {
		replHandler := newREPL(conn, logger)
		if err := replHandler.Run(ctx); err != nil {
			return fmt.Errorf("REPL error: %w", err)
		}
		return nil
	}

	return runNormalMode(ctx, logger)
}
