// Package main provides the CLI entry point for the parley agent server.
//
// Parley fronts an LLM provider with a tool-calling agent runtime. Tool
// calls the registry flags for confirmation park the turn until an operator
// approves or rejects them; every other call runs as soon as the model asks
// for it. The HTTP server streams merged turns to clients over SSE and
// broadcasts pending confirmations on a websocket feed.
//
// # Basic Usage
//
// Start the server:
//
//	parley serve --config parley.yaml
//
// Validate a configuration file, or print the config schema:
//
//	parley config validate --config parley.yaml
//	parley config schema
//
// Mint an access token when a JWT secret is configured:
//
//	parley token --subject ops
//
// # Environment Variables
//
//   - PARLEY_CONFIG: path to the configuration file (default: parley.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key, used when the config omits one
//   - OPENAI_API_KEY: OpenAI API key, used when the config omits one
//   - GEMINI_API_KEY: Google API key, used when the config omits one
//
// Configuration values may also reference environment variables directly:
// ${VAR} is expanded before parsing.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "parley.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - conversational agent server",
		Long: `Parley runs a tool-calling agent behind an HTTP API.

Turns stream over SSE. Tool calls that need an operator's approval park the
turn and surface on the websocket confirmation feed until a decision lands.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
	)

	return rootCmd
}

// resolveConfigPath picks the configuration file: the explicit flag wins,
// then PARLEY_CONFIG, then parley.yaml when it exists in the working
// directory. Empty means run on built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("PARLEY_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "parley %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			fmt.Fprintf(out, "  go:     %s\n", runtime.Version())
			return nil
		},
	}
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if path == "" {
				return fmt.Errorf("no config file found: pass --config or set PARLEY_CONFIG")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: OK\n", path)
			fmt.Fprintf(out, "  listen:   %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Fprintf(out, "  provider: %s\n", cfg.Provider.Default)
			fmt.Fprintf(out, "  history:  %s\n", cfg.History.Backend)
			if cfg.Uploads.Backend != "" {
				fmt.Fprintf(out, "  uploads:  %s\n", cfg.Uploads.Backend)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		name       string
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if expiry > 0 {
				cfg.Auth.TokenExpiry = expiry
			}
			service := auth.NewService(auth.Config{
				JWTSecret:   cfg.Auth.JWTSecret,
				TokenExpiry: cfg.Auth.TokenExpiry,
			})
			token, err := service.GenerateJWT(subject, name)
			if errors.Is(err, auth.ErrAuthDisabled) {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject claim")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (defaults to auth.token_expiry)")
	return cmd
}
