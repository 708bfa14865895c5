// Package main is the entry point for the ibauth CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quantfold/ibkr-oauth/internal/api"
	"github.com/quantfold/ibkr-oauth/internal/config"
	"github.com/quantfold/ibkr-oauth/internal/metrics"
	"github.com/quantfold/ibkr-oauth/internal/oauth"
	"github.com/quantfold/ibkr-oauth/internal/tokenstore"
)

// Version information (set by build flags).
var (
	Version   = "0.2.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "login":
		cmdLogin(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "call":
		cmdCall(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ibauth - Headless OAuth 1.0a client for the IBKR Web API

Usage:
  ibauth <command> [options]

Commands:
  login      Run the token exchange and persist the session
  status     Show the stored session and probe its liveness
  call       Issue one signed request against an endpoint path
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  ibauth login --config config.yaml
  ibauth status --config config.yaml
  ibauth call --config config.yaml --path /portfolio/accounts

Use "ibauth <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("ibauth version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Consumer key: %s\n", cfg.Consumer.Key)
	fmt.Printf("  Realm:        %s\n", cfg.Consumer.Realm)
	fmt.Printf("  API base:     %s\n", cfg.API.BaseURL)
	fmt.Printf("  Token store:  %s (%s)\n", cfg.Store.Type, cfg.Store.Path)
}

// buildClient wires credentials, store, and metrics into a client.
func buildClient(cfg *config.Config, logger *slog.Logger) (*oauth.Client, tokenstore.Store, error) {
	creds, err := oauth.LoadCredentials(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}

	store, err := tokenstore.New(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open token store: %w", err)
	}

	client := oauth.NewClient(creds, cfg, store, logger, metrics.NewRecorder())
	return client, store, nil
}

func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	logger := setupLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, store, err := buildClient(cfg, logger)
	if err != nil {
		logger.Error("setup failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		srv = metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  "/health",
		}, logger)
		srv.RegisterHealthCheck("session", func() metrics.Check {
			if client.IsAuthenticated() {
				return metrics.Check{Status: "healthy"}
			}
			return metrics.Check{Status: "unhealthy", Message: "session not initialized"}
		})
		srv.Start()
		defer srv.Shutdown(context.Background())
	}

	if err := client.Authenticate(ctx); err != nil {
		logger.Error("authentication failed", "err", err)
		os.Exit(1)
	}

	logger.Info("session established", "state", client.State().String())
	fmt.Println("Login successful; token record persisted.")
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	logger := setupLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	client, store, err := buildClient(cfg, logger)
	if err != nil {
		logger.Error("setup failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	rec, err := store.Load(ctx)
	if err != nil {
		logger.Error("failed to read token store", "err", err)
		os.Exit(1)
	}
	if rec == nil {
		fmt.Println("No stored session. Run 'ibauth login' first.")
		os.Exit(1)
	}
	fmt.Printf("Stored session for consumer %s (realm %s), updated %s\n",
		rec.ConsumerKey, rec.Realm, rec.UpdatedAt.Format("2006-01-02 15:04:05 MST"))

	if err := client.Authenticate(ctx); err != nil {
		logger.Error("authentication failed", "err", err)
		os.Exit(1)
	}

	status, err := api.NewService(client, logger).AuthStatus(ctx)
	if err != nil {
		logger.Error("liveness probe failed", "err", err)
		os.Exit(1)
	}

	fmt.Printf("Authenticated: %t\n", status.Authenticated)
	fmt.Printf("Connected:     %t\n", status.Connected)
	if status.ServerName != "" {
		fmt.Printf("Server:        %s\n", status.ServerName)
	}
}

func cmdCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	path := fs.String("path", "", "Endpoint path, e.g. /portfolio/accounts (required)")
	method := fs.String("method", "GET", "HTTP method")
	paramFlag := fs.String("params", "", "Request parameters as k=v,k=v")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	if *path == "" {
		fmt.Fprintln(os.Stderr, "Error: --path is required")
		fs.Usage()
		os.Exit(1)
	}

	logger := setupLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	params := map[string]string{}
	if *paramFlag != "" {
		for _, pair := range strings.Split(*paramFlag, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				fmt.Fprintf(os.Stderr, "Error: bad parameter %q, expected k=v\n", pair)
				os.Exit(1)
			}
			params[k] = v
		}
	}

	ctx := context.Background()

	client, store, err := buildClient(cfg, logger)
	if err != nil {
		logger.Error("setup failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := client.Authenticate(ctx); err != nil {
		logger.Error("authentication failed", "err", err)
		os.Exit(1)
	}

	resp, err := client.Do(ctx, strings.ToUpper(*method), *path, params)
	if err != nil {
		logger.Error("request failed", "err", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	fmt.Printf("HTTP %d\n", resp.StatusCode)
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		logger.Error("read response", "err", err)
		os.Exit(1)
	}
	fmt.Println()
}
