// ABOUTME: Entry point for mothership-gateway, the agent connection and task dispatch hub
// ABOUTME: Cobra root command wiring serve, init, token and the HTTP client subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/mothership-gateway/internal/config"
	"github.com/2389/mothership-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _   _               _     _
 _ __ ___   ___ | |_| |__   ___ _ __ ___| |__ (_)_ __
| '_ ' _ \ / _ \| __| '_ \ / _ \ '__/ __| '_ \| | '_ \
| | | | | | (_) | |_| | | |  __/ |  \__ \ | | | | |_) |
|_| |_| |_|\___/ \__|_| |_|\___|_|  |___/_| |_|_| .__/
                                                |_|
`

var configFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:           "mothership-gateway",
		Short:         "Agent connection and task dispatch hub",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default $MOTHERSHIP_CONFIG or ~/.config/mothership/gateway.yaml)")

	rootCmd.AddCommand(
		serveCmd(),
		initCmd(),
		tokenCmd(),
		healthCmd(),
		agentsCmd(),
		dispatchCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath())
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s (agents at %s)\n", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Persistence.Backend)
	if !cfg.Auth.Enabled() {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting mothership-gateway",
		"config", configPath(),
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"backend", cfg.Persistence.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
