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

// SourceConfiguration describes the watched table and its change log.
type SourceConfiguration struct {
	DSN            string   `toml:"dsn"`
	Table          string   `toml:"table"`
	KeyColumn      string   `toml:"key_column"`
	TrackedColumns []string `toml:"tracked_columns"` // Glob patterns; empty means all columns
	ChangelogTable string   `toml:"changelog_table"` // Defaults to <table>_changelog
}

// DestinationConfiguration describes the table the applier writes.
type DestinationConfiguration struct {
	DSN       string `toml:"dsn"`
	Table     string `toml:"table"`
	KeyColumn string `toml:"key_column"`
}

// StreamConfiguration selects and configures the distributed log.
type StreamConfiguration struct {
	Type              string   `toml:"type"`  // "kafka" or "nats"
	Topic             string   `toml:"topic"` // Defaults to <source.table>_cdc
	Partitions        int      `toml:"partitions"`
	ReplicationFactor int      `toml:"replication_factor"`
	Brokers           []string `toml:"brokers"`
	NatsURL           string   `toml:"nats_url"`
	Group             string   `toml:"group"` // Applier consumer group
	Codec             string   `toml:"codec"` // "json" or "msgpack"
}

// ForwarderConfiguration controls the poll/publish/advance loop.
type ForwarderConfiguration struct {
	Name            string  `toml:"name"` // Cursor name; defaults to the topic
	BatchSize       int     `toml:"batch_size"`
	PollIntervalMS  int     `toml:"poll_interval_ms"`
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
	MaxRetries      int     `toml:"max_retries"`
	CursorStore     string  `toml:"cursor_store"` // "pebble", "postgres" or "memory"
}

// ApplierConfiguration controls destination write retries.
type ApplierConfiguration struct {
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
	MaxRetries      int     `toml:"max_retries"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// AdminConfiguration for the status/metrics HTTP server
type AdminConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"` // Empty disables authentication
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Source      SourceConfiguration      `toml:"source"`
	Destination DestinationConfiguration `toml:"destination"`
	Stream      StreamConfiguration      `toml:"stream"`
	Forwarder   ForwarderConfiguration   `toml:"forwarder"`
	Applier     ApplierConfiguration     `toml:"applier"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Admin       AdminConfiguration       `toml:"admin"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	InstanceIDFlag = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	TopicFlag      = flag.String("topic", "", "Stream topic (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./rowcast-data",

	Source: SourceConfiguration{
		KeyColumn:      "id",
		TrackedColumns: []string{},
	},

	Destination: DestinationConfiguration{
		KeyColumn: "id",
	},

	Stream: StreamConfiguration{
		Type:              "kafka",
		Partitions:        3,
		ReplicationFactor: 1,
		Brokers:           []string{"localhost:9092"},
		NatsURL:           "nats://localhost:4222",
		Group:             "rowcast-appliers",
		Codec:             "json",
	},

	Forwarder: ForwarderConfiguration{
		BatchSize:       100,
		PollIntervalMS:  500,  // Source poll cadence
		RetryInitialMS:  100,  // First retry after 100ms
		RetryMaxMS:      30000,
		RetryMultiplier: 2.0,
		MaxRetries:      100,
		CursorStore:     "pebble",
	},

	Applier: ApplierConfiguration{
		RetryInitialMS:  100,
		RetryMaxMS:      30000,
		RetryMultiplier: 2.0,
		MaxRetries:      100,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8980,
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *TopicFlag != "" {
		Config.Stream.Topic = *TopicFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin endpoints require a token
func IsAdminAuthEnabled() bool {
	return Config.Admin.AuthToken != ""
}

// GetAdminAuthToken returns the configured admin token
func GetAdminAuthToken() string {
	return Config.Admin.AuthToken
}

// generateInstanceID creates a unique instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("rowcast")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Source.DSN == "" {
		return fmt.Errorf("source DSN is required")
	}
	if Config.Source.Table == "" {
		return fmt.Errorf("source table is required")
	}
	if Config.Source.KeyColumn == "" {
		return fmt.Errorf("source key column is required")
	}
	if Config.Source.ChangelogTable == "" {
		Config.Source.ChangelogTable = Config.Source.Table + "_changelog"
	}

	if Config.Destination.DSN == "" {
		return fmt.Errorf("destination DSN is required")
	}
	if Config.Destination.Table == "" {
		return fmt.Errorf("destination table is required")
	}
	if Config.Destination.KeyColumn == "" {
		return fmt.Errorf("destination key column is required")
	}

	switch Config.Stream.Type {
	case "kafka":
		if len(Config.Stream.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
	case "nats":
		if Config.Stream.NatsURL == "" {
			return fmt.Errorf("nats URL is required")
		}
	case "mock":
		// Accepted for tests and dry runs
	default:
		return fmt.Errorf("unknown stream type: %s", Config.Stream.Type)
	}
	if Config.Stream.Topic == "" {
		Config.Stream.Topic = Config.Source.Table + "_cdc"
	}
	if Config.Stream.Partitions < 1 {
		return fmt.Errorf("stream partitions must be at least 1, got %d", Config.Stream.Partitions)
	}
	if Config.Stream.Group == "" {
		return fmt.Errorf("stream consumer group is required")
	}
	if Config.Stream.Codec != "json" && Config.Stream.Codec != "msgpack" {
		return fmt.Errorf("unknown codec: %s", Config.Stream.Codec)
	}

	if Config.Forwarder.Name == "" {
		Config.Forwarder.Name = Config.Stream.Topic
	}
	if Config.Forwarder.BatchSize < 1 {
		return fmt.Errorf("forwarder batch size must be at least 1, got %d", Config.Forwarder.BatchSize)
	}
	if Config.Forwarder.PollIntervalMS < 1 {
		return fmt.Errorf("forwarder poll interval must be positive, got %d", Config.Forwarder.PollIntervalMS)
	}
	if Config.Forwarder.RetryMultiplier < 1.0 {
		return fmt.Errorf("forwarder retry multiplier must be >= 1.0, got %f", Config.Forwarder.RetryMultiplier)
	}
	switch Config.Forwarder.CursorStore {
	case "pebble", "postgres", "memory":
	default:
		return fmt.Errorf("unknown cursor store: %s", Config.Forwarder.CursorStore)
	}

	if Config.Applier.RetryMultiplier < 1.0 {
		return fmt.Errorf("applier retry multiplier must be >= 1.0, got %f", Config.Applier.RetryMultiplier)
	}

	if Config.Admin.Enabled {
		if Config.Admin.Port < 1 || Config.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("unknown log format: %s", Config.Logging.Format)
	}

	return nil
}
