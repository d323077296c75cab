package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rickchristie/safequery"
	"github.com/rickchristie/safequery/internal/meta"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server over streamable HTTP at /mcp.

The connection string is read from SAFEQUERY_PG_CONNSTRING; when unset the
username and password are prompted for and combined with the connection
section of the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverConfig, _, err := loadServerConfig(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serverConfig.Server.Port <= 0 {
		panic("safequery: server.port must be > 0")
	}

	connString := os.Getenv(envConnString)
	if connString == "" {
		username := promptInput("Username: ")
		password := promptPassword("Password: ")
		connString = buildConnString(serverConfig.Connection, username, password)
	}

	logger := setupLogger(serverConfig.Logging)

	sq, err := safequery.New(ctx, connString, serverConfig.Config, logger)
	if err != nil {
		return fmt.Errorf("failed to create safequery: %w", err)
	}
	defer sq.Close(context.Background())

	logger.Info().Msg("testing database connection")
	if err := sq.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		return fmt.Errorf("database connection test failed: %w", err)
	}
	logger.Info().Msg("database connection test successful")

	if len(sq.Allowlist()) == 0 {
		if err := sq.RefreshAllowlist(ctx, ""); err != nil {
			logger.Warn().Err(err).Msg("allowlist discovery failed; every plan will be the empty-allowlist sentinel")
		}
	}

	addr := fmt.Sprintf(":%d", serverConfig.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           buildHandler(serverConfig.Server, sq, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", serverConfig.Server.Port).Str("version", meta.Version).Msg("starting safequery server")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// buildHandler mounts the MCP endpoint plus the optional health and metrics
// endpoints.
func buildHandler(settings safequery.ServerSettings, sq *safequery.SafeQuery, logger zerolog.Logger) http.Handler {
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Msg("AI agent connected (MCP initialize)")
	})

	mcpServer := server.NewMCPServer("safequery", meta.Version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)
	safequery.RegisterMCPTools(mcpServer, sq)

	mux := http.NewServeMux()

	// Health check endpoint (process liveness only, not DB connectivity)
	if settings.HealthCheckEnabled {
		if settings.HealthCheckPath == "" {
			panic("safequery: health_check_path must be set when health_check_enabled is true")
		}
		mux.HandleFunc(settings.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
	}

	if settings.MetricsEnabled {
		if settings.MetricsPath == "" {
			panic("safequery: metrics_path must be set when metrics_enabled is true")
		}
		mux.Handle(settings.MetricsPath, promhttp.Handler())
	}

	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	))
	return mux
}

func buildConnString(conn safequery.ConnectionConfig, username, password string) string {
	parts := []string{}
	if conn.Host != "" {
		parts = append(parts, fmt.Sprintf("host=%s", conn.Host))
	}
	if conn.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", conn.Port))
	}
	if conn.DBName != "" {
		parts = append(parts, fmt.Sprintf("dbname=%s", conn.DBName))
	}
	if username != "" {
		parts = append(parts, fmt.Sprintf("user=%s", username))
	}
	if password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", password))
	}
	if conn.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", conn.SSLMode))
	}
	return strings.Join(parts, " ")
}

func promptInput(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	var input string
	fmt.Scanln(&input)
	return input
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr) // newline after password input
	if err != nil {
		return ""
	}
	return string(password)
}
