// Command rendermq-worker runs a worker communicator: it watches every
// configured broker's back-end availability announcements, pulls the
// best job on offer, hands it to a renderer, and reports the finished
// metatile back to the broker it came from.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mapquest/rendermq/pkg/config"
	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/renderer"
	"github.com/mapquest/rendermq/pkg/tile"
	"github.com/mapquest/rendermq/pkg/workercomm"
)

var (
	Version = "dev"

	configPath string
	workerID   string
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
	Use:     "rendermq-worker",
	Short:   "Run a RenderMQ render worker communicator",
	Version: Version,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "dqueue.conf", "path to the deployment INI file")
	rootCmd.PersistentFlags().StringVar(&workerID, "worker-id", "", "overrides the [worker] id from the config file")
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
	if workerID == "" {
		workerID = cfg.Worker.ID
	}

	var reqEndpoints, subEndpoints []string
	for _, name := range cfg.ZMQ.Brokers {
		ep := cfg.Brokers[name]
		reqEndpoints = append(reqEndpoints, ep.OutReq)
		subEndpoints = append(subEndpoints, ep.OutSub)
	}
	if len(reqEndpoints) == 0 {
		return fmt.Errorf("no brokers listed in [zmq] section")
	}

	comm, err := workercomm.New(workercomm.Config{
		WorkerID:           workerID,
		BrokerReqEndpoints: reqEndpoints,
		BrokerSubEndpoints: subEndpoints,
		RequestTimeout:     cfg.Worker.RequestTimeout,
		PollTimeout:        cfg.Worker.PollTimeout,
	})
	if err != nil {
		return fmt.Errorf("start communicator: %w", err)
	}
	defer comm.Close()

	render := renderer.NewStub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.WithWorkerID(workerID).Info().Msg("shutting down")
		cancel()
	}()

	rlog := log.WithWorkerID(workerID)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-comm.JobCh:
				packed, err := render.Render(ctx, job)
				if err != nil {
					rlog.Error().Err(err).Str("style", job.Style).Msg("render failed")
					continue
				}
				job.Image = packed
				job.Status = tile.Done
				comm.ResultCh <- job
			}
		}
	}()

	rlog.Info().Strs("brokers", cfg.ZMQ.Brokers).Msg("worker starting")
	return comm.Run(ctx)
}
