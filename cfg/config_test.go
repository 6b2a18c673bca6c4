package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validTestConfig() *Configuration {
	return &Configuration{
		InstanceID: 1,
		DataDir:    "./test-data",
		Source: SourceConfiguration{
			DSN:       "postgres://localhost:5432/src",
			Table:     "employees",
			KeyColumn: "emp_id",
		},
		Destination: DestinationConfiguration{
			DSN:       "postgres://localhost:5433/dst",
			Table:     "employees",
			KeyColumn: "emp_id",
		},
		Stream: StreamConfiguration{
			Type:       "kafka",
			Brokers:    []string{"localhost:9092"},
			Partitions: 3,
			Group:      "rowcast-appliers",
			Codec:      "json",
		},
		Forwarder: ForwarderConfiguration{
			BatchSize:       100,
			PollIntervalMS:  500,
			RetryMultiplier: 2.0,
			CursorStore:     "memory",
		},
		Applier: ApplierConfiguration{
			RetryMultiplier: 2.0,
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8980,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	// Save original config
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()

	err := Validate()
	if err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_DerivedDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()

	if err := Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if Config.Source.ChangelogTable != "employees_changelog" {
		t.Errorf("changelog table = %q, want employees_changelog", Config.Source.ChangelogTable)
	}
	if Config.Stream.Topic != "employees_cdc" {
		t.Errorf("topic = %q, want employees_cdc", Config.Stream.Topic)
	}
	if Config.Forwarder.Name != "employees_cdc" {
		t.Errorf("forwarder name = %q, want employees_cdc", Config.Forwarder.Name)
	}
}

func TestValidate_MissingSourceDSN(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Source.DSN = ""

	if err := Validate(); err == nil {
		t.Error("Expected error for missing source DSN")
	}
}

func TestValidate_UnknownStreamType(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Stream.Type = "rabbitmq"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown stream type")
	}
}

func TestValidate_UnknownCursorStore(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Forwarder.CursorStore = "redis"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown cursor store")
	}
}

func TestValidate_BadRetryMultiplier(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Forwarder.RetryMultiplier = 0.5

	if err := Validate(); err == nil {
		t.Error("Expected error for retry multiplier below 1.0")
	}
}

func TestValidate_UnknownCodec(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Stream.Codec = "avro"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown codec")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()

	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	content := `
instance_id = 7
data_dir = "` + dataDir + `"

[source]
dsn = "postgres://localhost:5432/src"
table = "employees"
key_column = "emp_id"
tracked_columns = ["emp_*", "first_name"]

[stream]
type = "kafka"
topic = "employee_cdc"
partitions = 3

[forwarder]
batch_size = 50
`
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.InstanceID != 7 {
		t.Errorf("InstanceID = %d, want 7", Config.InstanceID)
	}
	if Config.Stream.Topic != "employee_cdc" {
		t.Errorf("Topic = %q, want employee_cdc", Config.Stream.Topic)
	}
	if Config.Forwarder.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", Config.Forwarder.BatchSize)
	}
	if len(Config.Source.TrackedColumns) != 2 {
		t.Errorf("TrackedColumns = %v, want 2 patterns", Config.Source.TrackedColumns)
	}
	if _, err := os.Stat(dataDir); err != nil {
		t.Errorf("expected data dir to be created: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.DataDir = t.TempDir()

	if err := Load(filepath.Join(t.TempDir(), "nope.toml")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if Config.Stream.Type != "kafka" {
		t.Errorf("Type = %q, want kafka default", Config.Stream.Type)
	}
}
