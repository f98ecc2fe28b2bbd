package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// BusConfiguration controls the commit notification bus
type BusConfiguration struct {
	QueueSize int `toml:"queue_size"` // Per-subscriber queue; oldest event dropped when full
}

// RelevanceConfiguration controls relevance-set derivation
type RelevanceConfiguration struct {
	CacheSize int `toml:"cache_size"` // Parsed SQL statements kept in the LRU
}

// StoreConfiguration controls the SQLite store backing the query executor
type StoreConfiguration struct {
	Path           string `toml:"path"`             // Database file, relative to data_dir unless absolute
	QueryTimeoutMS int    `toml:"query_timeout_ms"` // 0 = no timeout
	MaxOpenConns   int    `toml:"max_open_conns"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
}

// SinkConfiguration configures one commit-event forwarder
type SinkConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"` // "nats", "kafka" or "mock"
	NatsURL     string   `toml:"nats_url"`
	Brokers     []string `toml:"brokers"`
	BatchSize   int      `toml:"batch_size"`
	TopicPrefix string   `toml:"topic_prefix"`
	FilterTypes []string `toml:"filter_types"` // Glob patterns over affected types, empty = all
	Compression string   `toml:"compression"`  // "" or "zstd"
}

// WatchConfiguration is a query observed for the lifetime of the process
type WatchConfiguration struct {
	Name  string   `toml:"name"`
	SQL   string   `toml:"sql"`
	Types []string `toml:"types"` // Relevance override, empty = derived from SQL
}

// AdminConfiguration for the HTTP admin/metrics endpoint
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Empty = no authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Bus        BusConfiguration        `toml:"bus"`
	Relevance  RelevanceConfiguration  `toml:"relevance"`
	Store      StoreConfiguration      `toml:"store"`
	Forward    []SinkConfiguration     `toml:"forward"`
	Watch      []WatchConfiguration    `toml:"watch"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./livequery-data",

	Bus: BusConfiguration{
		QueueSize: 16,
	},

	Relevance: RelevanceConfiguration{
		CacheSize: 1024,
	},

	Store: StoreConfiguration{
		Path:           "livequery.db",
		QueryTimeoutMS: 0,
		MaxOpenConns:   4,
		BusyTimeoutMS:  5000,
	},

	Forward: []SinkConfiguration{},
	Watch:   []WatchConfiguration{},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "127.0.0.1",
		Port:    8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		Config.NodeID = generateNodeID()
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a node ID from the machine ID, falling back to the
// hostname on hosts without one (containers).
func generateNodeID() uint64 {
	id, err := machineid.ProtectedID("livequery")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			host = "localhost"
		}
		log.Debug().Err(err).Str("hostname", host).Msg("Machine ID unavailable, hashing hostname")
		id = host
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	if sum := h.Sum64(); sum != 0 {
		return sum
	}
	return 1
}

// SourceID is the CommitEvent source identifier for this process
func SourceID() string {
	return fmt.Sprintf("node-%d", Config.NodeID)
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Bus.QueueSize < 1 {
		return fmt.Errorf("bus queue size must be >= 1")
	}

	if Config.Relevance.CacheSize < 1 {
		return fmt.Errorf("relevance cache size must be >= 1")
	}

	if Config.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if Config.Store.QueryTimeoutMS < 0 {
		return fmt.Errorf("store query timeout must be >= 0")
	}

	if Config.Store.MaxOpenConns < 1 {
		return fmt.Errorf("store max open connections must be >= 1")
	}

	if Config.Store.BusyTimeoutMS < 0 {
		return fmt.Errorf("store busy timeout must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	names := make(map[string]bool, len(Config.Forward))
	for _, sink := range Config.Forward {
		if sink.Name == "" {
			return fmt.Errorf("forward sink name is required")
		}
		if names[sink.Name] {
			return fmt.Errorf("duplicate forward sink name: %s", sink.Name)
		}
		names[sink.Name] = true

		switch sink.Type {
		case "nats", "kafka", "mock":
		default:
			return fmt.Errorf("invalid forward sink type %q for %s", sink.Type, sink.Name)
		}

		switch sink.Compression {
		case "", "zstd":
		default:
			return fmt.Errorf("invalid compression %q for %s", sink.Compression, sink.Name)
		}
	}

	watches := make(map[string]bool, len(Config.Watch))
	for _, w := range Config.Watch {
		if w.Name == "" {
			return fmt.Errorf("watch name is required")
		}
		if watches[w.Name] {
			return fmt.Errorf("duplicate watch name: %s", w.Name)
		}
		watches[w.Name] = true
		if w.SQL == "" {
			return fmt.Errorf("watch %s requires sql", w.Name)
		}
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}
