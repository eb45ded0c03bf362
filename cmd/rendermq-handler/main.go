// Command rendermq-handler runs the HTTP-facing tile request pipeline:
// it serves cached tiles straight from storage, dispatches renders to
// whichever broker a tile's metatile hashes to, and applies the tiered
// admission policy to requests storage can't satisfy immediately.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapquest/rendermq/pkg/config"
	"github.com/mapquest/rendermq/pkg/expiry"
	"github.com/mapquest/rendermq/pkg/handler"
	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/metrics"
	"github.com/mapquest/rendermq/pkg/runner"
	"github.com/mapquest/rendermq/pkg/storage"
	"github.com/mapquest/rendermq/pkg/transport"
)

var (
	Version = "dev"

	configPath     string
	logLevel       string
	logJSON        bool
	storageBackend string
	storageDir     string
	storageURL     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rendermq-handler",
	Short:   "Run the RenderMQ HTTP tile-request handler",
	Version: Version,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "dqueue.conf", "path to the deployment INI file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&storageBackend, "storage", "filesystem", "storage backend: filesystem, bolt, httpkv")
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "./tiles", "directory for filesystem/bolt storage backends")
	rootCmd.PersistentFlags().StringVar(&storageURL, "storage-url", "", "base URL for the httpkv storage backend")
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func openStorage() (storage.Store, error) {
	switch storageBackend {
	case "filesystem":
		return storage.NewFilesystemStore(storageDir)
	case "bolt":
		return storage.NewBoltStore(storageDir)
	case "httpkv":
		if storageURL == "" {
			return nil, fmt.Errorf("--storage-url is required for the httpkv backend")
		}
		return storage.NewHTTPKVStore(storageURL, http.DefaultClient), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", storageBackend)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openStorage()
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var reqEndpoints []string
	subEndpoints := make(map[string]string)
	for _, name := range cfg.ZMQ.Brokers {
		ep := cfg.Brokers[name]
		reqEndpoints = append(reqEndpoints, ep.InReq)
		subEndpoints[name] = ep.InSub
	}
	if len(reqEndpoints) == 0 {
		return fmt.Errorf("no brokers listed in [zmq] section")
	}

	r, err := runner.New(runner.Config{
		BrokerReqEndpoints: reqEndpoints,
		BrokerSubEndpoints: subEndpoints,
	})
	if err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := handler.NewDispatcher(ctx, r)

	var expiryChk *expiry.Client
	if cfg.Expiry.PrimaryFrontend != "" {
		expiryChk, err = expiry.NewClient(cfg.Expiry.PrimaryFrontend, cfg.Expiry.BackupFrontend)
		if err != nil {
			return fmt.Errorf("start expiry client: %w", err)
		}
		defer expiryChk.Close()
	}

	rules := buildStyleRules(cfg.Styles)
	h := buildHandler(cfg, rules, store, expiryChk, disp)
	defer h.Close()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, storageBackend)
	metrics.RegisterComponent("runner", true, "connected")

	go pumpRunnerEvents(ctx, r)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.WithComponent("handler").Info().Msg("shutting down")
		cancel()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/", h)

	srv := &http.Server{Addr: cfg.Handler.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithComponent("handler").Info().Str("addr", cfg.Handler.ListenAddr).Msg("handler starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// buildStyleRules converts the [styles] section of the deployment config
// into the table the handler pipeline consults on every request.
func buildStyleRules(styles map[string]config.Style) *handler.StyleRules {
	rules := make(map[string]handler.StyleRule, len(styles))
	for name, s := range styles {
		rules[name] = handler.StyleRule{
			Canonical:   s.Alias,
			ForceFormat: s.ForceFormat,
			MaxZoom:     s.MaxZoom,
			Dependents:  s.Dependents,
		}
	}
	return handler.NewStyleRules(rules)
}

func buildHandler(cfg *config.Config, rules *handler.StyleRules, store storage.Store, expiryChk *expiry.Client, disp *handler.Dispatcher) *handler.Handler {
	hcfg := handler.Config{
		Thresholds: handler.Thresholds{
			Stale:   cfg.Handler.StaleThresh,
			Satisfy: cfg.Handler.SatisfyThresh,
			Max:     cfg.Handler.MaxThresh,
		},
		PoolSize:   cfg.Handler.PoolSize,
		RenderWait: cfg.Handler.RenderWait,
		MaxAgeSecs: cfg.Handler.MaxAgeSecs,
	}
	if expiryChk != nil {
		return handler.New(hcfg, rules, store, handler.NewExpiryAdapter(expiryChk), disp)
	}
	return handler.New(hcfg, rules, store, nil, disp)
}

// pumpRunnerEvents drives the runner's sockets so Dispatcher.Submit's
// waiters eventually see their results.
func pumpRunnerEvents(ctx context.Context, r *runner.Runner) {
	req, sub := r.Sockets()
	poller, err := transport.NewPoller(req, sub)
	if err != nil {
		log.WithComponent("handler").Error().Err(err).Msg("runner poller failed")
		return
	}
	defer poller.Destroy()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sock, err := poller.Wait(250 * time.Millisecond)
		if err != nil {
			log.WithComponent("handler").Error().Err(err).Msg("runner poll failed")
			continue
		}
		if sock == nil {
			continue
		}
		if err := r.HandleEvents(sock); err != nil {
			log.WithComponent("handler").Error().Err(err).Msg("runner event handling failed")
		}
	}
}
