// Command rendermq-expiryd runs one node of the redundant binary-star
// expiry service: it tracks which (style, format, tile) combinations
// have been marked dirty and answers IsExpired/SetExpired queries,
// failing over to Active if its peer stops publishing heartbeats.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mapquest/rendermq/pkg/config"
	"github.com/mapquest/rendermq/pkg/expiry"
	"github.com/mapquest/rendermq/pkg/log"
)

var (
	Version = "dev"

	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rendermq-expiryd",
	Short:   "Run one node of the RenderMQ redundant expiry service",
	Version: Version,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "dqueue.conf", "path to the deployment INI file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var initial expiry.State
	switch cfg.Expiry.Role {
	case "primary":
		initial = expiry.Primary
	case "backup":
		initial = expiry.Backup
	default:
		return fmt.Errorf("expiry.role must be \"primary\" or \"backup\", got %q", cfg.Expiry.Role)
	}

	srv, err := expiry.NewServer(expiry.Config{
		InitialState:         initial,
		FrontendEndpoint:     cfg.Expiry.FrontendEndpoint,
		StatePubEndpoint:     cfg.Expiry.StatePubEndpoint,
		PeerStateSubEndpoint: cfg.Expiry.PeerStateSubEndpoint,
	})
	if err != nil {
		return fmt.Errorf("start expiry server: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.WithComponent("expiry").Info().Msg("shutting down")
		cancel()
	}()

	log.WithComponent("expiry").Info().
		Str("role", cfg.Expiry.Role).
		Str("frontend", cfg.Expiry.FrontendEndpoint).
		Msg("expiry service starting")

	return srv.Run(ctx)
}
