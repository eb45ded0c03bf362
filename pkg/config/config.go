// Package config loads RenderMQ's INI-style deployment configuration:
// one section per broker giving its endpoints, a zmq section listing
// broker names and timings, per-component sections for the worker,
// handler and expiry processes, and a styles section listing per-style
// alias/format/zoom/expiry policy. Configuration is read once at
// startup; there is no reload protocol.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/mapquest/rendermq/pkg/tile"
)

// BrokerEndpoints is one broker's bind/connect addresses, taken from
// its own INI section.
type BrokerEndpoints struct {
	ID       string
	InReq    string
	InSub    string
	OutReq   string
	OutSub   string
	Monitor  string
}

// ZMQ holds the cluster-wide transport settings: which brokers exist
// and the shared timing defaults.
type ZMQ struct {
	Brokers           []string
	HeartbeatInterval time.Duration
	ZombieTimeout     time.Duration
	PollTimeout       time.Duration
}

// Worker is the render-worker process's section.
type Worker struct {
	ID             string
	RequestTimeout time.Duration
	PollTimeout    time.Duration
}

// Handler is the HTTP handler process's section.
type Handler struct {
	ListenAddr   string
	PoolSize     int
	RenderWait   time.Duration
	MaxAgeSecs   int
	StaleThresh  uint64
	SatisfyThresh uint64
	MaxThresh    uint64
}

// Expiry configures the redundant expiry-service pair. Role/FrontendEndpoint/
// StatePubEndpoint/PeerStateSubEndpoint describe the node rendermq-expiryd
// should run as; PrimaryFrontend/BackupFrontend are both nodes' client-facing
// endpoints, used by rendermq-handler's failover client regardless of which
// node is currently Active.
type Expiry struct {
	Role                 string // "primary" or "backup"
	FrontendEndpoint     string
	StatePubEndpoint     string
	PeerStateSubEndpoint string

	PrimaryFrontend string
	BackupFrontend  string
}

// Style is one style's alias/format/zoom/expiry policy, taken from its
// own [style.<name>] section.
type Style struct {
	Alias       string
	ForceFormat tile.Format
	MaxZoom     int
	Dependents  []string
}

// Config is the fully parsed deployment configuration.
type Config struct {
	ZMQ      ZMQ
	Brokers  map[string]BrokerEndpoints
	Worker   Worker
	Handler  Handler
	Expiry   Expiry
	Styles   map[string]Style
}

// Load reads and parses an INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return parse(f)
}

func parse(f *ini.File) (*Config, error) {
	cfg := &Config{Brokers: make(map[string]BrokerEndpoints), Styles: make(map[string]Style)}

	zmqSec := f.Section("zmq")
	cfg.ZMQ.Brokers = splitList(zmqSec.Key("brokers").String())
	cfg.ZMQ.HeartbeatInterval = durationOr(zmqSec, "heartbeat_interval", time.Second)
	cfg.ZMQ.ZombieTimeout = durationOr(zmqSec, "zombie_timeout", 300*time.Second)
	cfg.ZMQ.PollTimeout = durationOr(zmqSec, "poll_timeout", 250*time.Millisecond)

	for _, name := range cfg.ZMQ.Brokers {
		sec, err := f.GetSection(name)
		if err != nil {
			return nil, fmt.Errorf("config: missing section for broker %q: %w", name, err)
		}
		cfg.Brokers[name] = BrokerEndpoints{
			ID:      name,
			InReq:   sec.Key("in_req").String(),
			InSub:   sec.Key("in_sub").String(),
			OutReq:  sec.Key("out_req").String(),
			OutSub:  sec.Key("out_sub").String(),
			Monitor: sec.Key("monitor").String(),
		}
	}

	workerSec := f.Section("worker")
	cfg.Worker = Worker{
		ID:             workerSec.Key("id").String(),
		RequestTimeout: durationOr(workerSec, "request_timeout", 30*time.Second),
		PollTimeout:    durationOr(workerSec, "poll_timeout", 250*time.Millisecond),
	}

	handlerSec := f.Section("handler")
	cfg.Handler = Handler{
		ListenAddr:    handlerSec.Key("listen_addr").MustString(":8080"),
		PoolSize:      handlerSec.Key("pool_size").MustInt(64),
		RenderWait:    durationOr(handlerSec, "render_wait", 30*time.Second),
		MaxAgeSecs:    handlerSec.Key("max_age_secs").MustInt(3600),
		StaleThresh:   uint64(handlerSec.Key("stale_threshold").MustInt(2)),
		SatisfyThresh: uint64(handlerSec.Key("satisfy_threshold").MustInt(5)),
		MaxThresh:     uint64(handlerSec.Key("max_threshold").MustInt(10)),
	}

	expirySec := f.Section("expiry")
	cfg.Expiry = Expiry{
		Role:                 expirySec.Key("role").MustString("primary"),
		FrontendEndpoint:     expirySec.Key("frontend").String(),
		StatePubEndpoint:     expirySec.Key("statepub").String(),
		PeerStateSubEndpoint: expirySec.Key("peer_statepub").String(),
		PrimaryFrontend:      expirySec.Key("primary_frontend").String(),
		BackupFrontend:       expirySec.Key("backup_frontend").String(),
	}

	stylesSec := f.Section("styles")
	for _, name := range splitList(stylesSec.Key("names").String()) {
		sec, err := f.GetSection("style." + name)
		if err != nil {
			return nil, fmt.Errorf("config: missing section for style %q: %w", name, err)
		}
		style := Style{
			Alias:      sec.Key("alias").String(),
			MaxZoom:    sec.Key("max_zoom").MustInt(0),
			Dependents: splitList(sec.Key("dependents").String()),
		}
		if raw := sec.Key("force_format").String(); raw != "" {
			format, ok := formatByName(raw)
			if !ok {
				return nil, fmt.Errorf("config: style %q: unknown force_format %q", name, raw)
			}
			style.ForceFormat = format
		}
		cfg.Styles[name] = style
	}

	return cfg, nil
}

// formatByName parses the extension-style format names used in INI files,
// matching the set rendermq-handler's URL router recognizes.
func formatByName(name string) (tile.Format, bool) {
	switch name {
	case "png":
		return tile.FormatPNG, true
	case "jpg", "jpeg":
		return tile.FormatJPEG, true
	case "gif":
		return tile.FormatGIF, true
	case "json":
		return tile.FormatJSON, true
	default:
		return 0, false
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationOr(sec *ini.Section, key string, fallback time.Duration) time.Duration {
	raw := sec.Key(key).String()
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
