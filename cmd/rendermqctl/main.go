// Command rendermqctl is a thin client for a broker's monitor socket:
// it can send a single control command (STATS, HEARTBEAT, CLEAR TASK
// QUEUE, RESUBMIT ZOMBIE TASKS, SHUTDOWN) to one or more brokers, or
// subscribe to every configured broker's availability announcements
// and print a running queue-size summary.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapquest/rendermq/pkg/config"
	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/transport"
)

var (
	Version = "dev"

	configPath string
	logLevel   string

	command        string
	monitor        bool
	quiet          bool
	single         bool
	updateInterval int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rendermqctl [broker-names...]",
	Short: "Broker control and monitoring utility",
	Long: `rendermqctl sends control commands to one or more brokers' monitor
sockets, or subscribes to their availability announcements in monitor
mode. With no broker names given, a command is sent to every broker
listed in the config file's [zmq] section.`,
	Version: Version,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "dqueue.conf", "path to the deployment INI file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&command, "command", "c", "", "command to send to the broker's monitor socket")
	rootCmd.Flags().BoolVarP(&monitor, "monitor", "m", false, "subscribe to broker availability and print a running summary")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "in monitor mode, print only the time and total queue size")
	rootCmd.Flags().BoolVarP(&single, "single", "s", false, "in monitor mode, print one update and exit")
	rootCmd.Flags().IntVarP(&updateInterval, "update-interval", "i", 5, "seconds between monitor-mode screen updates")
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(logLevel)})
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if command != "" {
		if err := sendCommand(cfg, args); err != nil {
			return err
		}
	}
	if monitor {
		if err := runMonitor(cfg); err != nil {
			return err
		}
	}
	if command == "" && !monitor {
		return cmd.Help()
	}
	return nil
}

func brokerNames(cfg *config.Config, explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	return cfg.ZMQ.Brokers
}

func sendCommand(cfg *config.Config, explicit []string) error {
	for _, name := range brokerNames(cfg, explicit) {
		ep, ok := cfg.Brokers[name]
		if !ok {
			return fmt.Errorf("broker %q isn't present in config file", name)
		}

		sock, err := transport.NewReq(ep.Monitor)
		if err != nil {
			return fmt.Errorf("connect to broker %s monitor: %w", name, err)
		}
		if err := sock.Send([][]byte{[]byte(command)}); err != nil {
			sock.Destroy()
			return fmt.Errorf("send to broker %s: %w", name, err)
		}
		reply, err := sock.Recv()
		sock.Destroy()
		if err != nil {
			return fmt.Errorf("recv from broker %s: %w", name, err)
		}
		text := ""
		if len(reply) > 0 {
			text = string(reply[0])
		}
		fmt.Printf("Broker[%s] replied: `%s'\n", name, text)
	}
	return nil
}

type brokerInfo struct {
	lastSeen  time.Time
	queueSize uint64
}

func runMonitor(cfg *config.Config) error {
	names := cfg.ZMQ.Brokers
	if len(names) == 0 {
		return fmt.Errorf("no brokers listed in [zmq] section")
	}

	if !quiet {
		fmt.Printf(" SUB %s\n", cfg.Brokers[names[0]].InSub)
	}
	sub, err := transport.NewSub(cfg.Brokers[names[0]].InSub)
	if err != nil {
		return fmt.Errorf("connect monitor sub: %w", err)
	}
	defer sub.Destroy()

	for _, name := range names[1:] {
		ep := cfg.Brokers[name]
		if !quiet {
			fmt.Printf(" SUB %s\n", ep.InSub)
		}
		if err := sub.Connect(ep.InSub); err != nil {
			return fmt.Errorf("connect sub to broker %s: %w", name, err)
		}
	}

	poller, err := transport.NewPoller(sub)
	if err != nil {
		return fmt.Errorf("new poller: %w", err)
	}
	defer poller.Destroy()

	infos := make(map[string]*brokerInfo)
	lastUpdate := time.Now()

	for {
		sock, err := poller.Wait(50 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("poll failed: %w", err)
		}
		if sock != nil {
			frames, err := sock.Recv()
			if err == nil && len(frames) >= 2 {
				id := string(frames[0])
				info, ok := infos[id]
				if !ok {
					info = &brokerInfo{}
					infos[id] = info
				}
				info.lastSeen = time.Now()
				info.queueSize = beUint64(frames[1])
			}
		}

		now := time.Now()
		if now.Sub(lastUpdate) >= time.Duration(updateInterval)*time.Second {
			printSummary(infos, now, quiet)
			lastUpdate = now
			if single {
				return nil
			}
		}
	}
}

func printSummary(infos map[string]*brokerInfo, now time.Time, quiet bool) {
	if quiet {
		fmt.Printf("%s", now.Format(time.RFC3339))
	} else {
		fmt.Printf(" == %s ==\n", now.Format(time.RFC3339))
	}
	var total uint64
	for id, info := range infos {
		if !quiet {
			fmt.Printf("%s\t%d\t%s\n", id, info.queueSize, now.Sub(info.lastSeen))
		}
		total += info.queueSize
	}
	if quiet {
		fmt.Printf(" qsize= %d\n", total)
	} else {
		fmt.Printf("* Total queue size = %d\n", total)
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
