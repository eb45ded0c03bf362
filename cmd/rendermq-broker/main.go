// Command rendermq-broker runs a single broker reactor: it binds the
// front-facing sockets handlers submit jobs to and the back-facing
// sockets workers pull jobs from, and routes finished metatiles back
// out to whichever handlers are waiting on them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mapquest/rendermq/pkg/broker"
	"github.com/mapquest/rendermq/pkg/config"
	"github.com/mapquest/rendermq/pkg/log"
)

var (
	Version = "dev"

	configPath string
	brokerID   string
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
	Use:     "rendermq-broker",
	Short:   "Run a RenderMQ broker reactor",
	Version: Version,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "dqueue.conf", "path to the deployment INI file")
	rootCmd.PersistentFlags().StringVar(&brokerID, "broker-id", "", "broker section name in the config file")
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

	if brokerID == "" {
		if len(cfg.ZMQ.Brokers) == 0 {
			return fmt.Errorf("no brokers listed in [zmq] section")
		}
		brokerID = cfg.ZMQ.Brokers[0]
	}
	ep, ok := cfg.Brokers[brokerID]
	if !ok {
		return fmt.Errorf("no section for broker %q", brokerID)
	}

	b, err := broker.New(broker.Config{
		ID:                ep.ID,
		FrontReqEndpoint:  ep.InReq,
		FrontPubEndpoint:  ep.InSub,
		BackReqEndpoint:   ep.OutReq,
		BackPubEndpoint:   ep.OutSub,
		MonitorEndpoint:   ep.Monitor,
		HeartbeatInterval: cfg.ZMQ.HeartbeatInterval,
		ZombieTimeout:     cfg.ZMQ.ZombieTimeout,
		PollTimeout:       cfg.ZMQ.PollTimeout,
	})
	if err != nil {
		return fmt.Errorf("start broker %s: %w", brokerID, err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.WithComponent("broker").Info().Msg("shutting down")
		cancel()
	}()

	log.WithBrokerID(brokerID).Info().
		Str("front_req", ep.InReq).
		Str("back_req", ep.OutReq).
		Msg("broker starting")

	return b.Run(ctx)
}
