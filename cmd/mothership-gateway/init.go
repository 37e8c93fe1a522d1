// ABOUTME: Interactive config file creation and token minting commands
// ABOUTME: init writes a YAML config from prompts; token signs a bearer JWT

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/mothership-gateway/internal/auth"
	"github.com/2389/mothership-gateway/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	ask := func(question, def string) string { return prompt(reader, out, question, def) }

	fmt.Fprintln(out, "mothership-gateway configuration setup")
	fmt.Fprintln(out, "======================================")
	fmt.Fprintln(out)

	outputFile := ask("Config file path", configPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = ask("HTTP address", config.DefaultHTTPAddr)
	cfg.Server.WSPath = ask("Agent websocket path", config.DefaultWSPath)
	cfg.Server.GRPCAddr = ask("gRPC address (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Persistence ---")
	cfg.Persistence.Backend = ask("Backend (sqlite/redis/none)", config.BackendSQLite)
	switch cfg.Persistence.Backend {
	case config.BackendSQLite:
		cfg.Persistence.SQLite.Path = ask("SQLite database path", cfg.Persistence.SQLite.Path)
	case config.BackendRedis:
		cfg.Persistence.Redis.Addr = ask("Redis address", "localhost:6379")
	}

	fmt.Fprintln(out, "\n--- Auth ---")
	if yes(ask("Require bearer tokens?", "yes")) {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = secret
	}

	fmt.Fprintln(out, "\n--- Tailscale ---")
	if yes(ask("Enable Tailscale?", "no")) {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = ask("Tailscale hostname", "mothership")
		cfg.Tailscale.AuthKey = ask("Tailscale auth key (leave empty for interactive)", "")
		cfg.Tailscale.Ephemeral = yes(ask("Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	cfg.Logging.Level = ask("Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = ask("Log format (text/json)", "text")

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	header := "# mothership-gateway configuration\n# Generated by mothership-gateway init\n\n"

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if cfg.Persistence.Backend == config.BackendSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Persistence.SQLite.Path), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  mothership-gateway serve")
	if cfg.Auth.Enabled() {
		fmt.Fprintln(out, "\nTo mint a token for an agent:")
		fmt.Fprintln(out, "  mothership-gateway token --sub my-agent --role agent")
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// EOF keeps the default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled() {
				return errors.New("auth.jwt_secret is not configured")
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "Token subject (agent or service name)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleAgent), "Token role: agent or service")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "Token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
