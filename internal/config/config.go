// Package config loads BleepStore configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPaths are probed in order when no explicit config path is given.
var DefaultPaths = []string{
	"bleepstore.yaml",
	"/etc/bleepstore/bleepstore.yaml",
}

// Config is the top-level BleepStore configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Metadata MetadataConfig `yaml:"metadata"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// BindAddr is the host:port the server listens on.
	BindAddr string `yaml:"bind_addr"`
	// Region is the region this instance reports, in GetBucketLocation
	// bodies and the x-amz-bucket-region header.
	Region string `yaml:"region"`
	// ShutdownTimeoutSeconds bounds graceful shutdown after SIGINT/SIGTERM.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
	// MaxObjectSize is the largest accepted PUT body in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// AuthConfig holds SigV4 settings.
type AuthConfig struct {
	// Enabled turns signature verification on. When false, every request
	// runs as the root credential below.
	Enabled bool `yaml:"enabled"`
	// AccessKey is the root access key seeded into the credential table.
	AccessKey string `yaml:"access_key"`
	// SecretKey is the root secret key.
	SecretKey string `yaml:"secret_key"`
}

// StorageConfig selects and parameterizes the blob storage backend.
type StorageConfig struct {
	// Backend is one of local, memory, sqlite, aws, gcp, azure.
	Backend string `yaml:"backend"`
	// LocalRoot is the base directory for the local filesystem backend.
	LocalRoot string `yaml:"local_root"`

	// SQLitePath is the database file for the sqlite blob backend.
	SQLitePath string `yaml:"sqlite_path"`

	// MemoryMaxBytes caps the memory backend's total payload bytes.
	// Zero means uncapped.
	MemoryMaxBytes int64 `yaml:"memory_max_bytes"`
	// MemorySnapshotPath, when set, persists the memory backend to a
	// snapshot file at shutdown and every MemorySnapshotIntervalSeconds
	// while running.
	MemorySnapshotPath            string `yaml:"memory_snapshot_path"`
	MemorySnapshotIntervalSeconds int    `yaml:"memory_snapshot_interval_seconds"`

	// AWSBucket is the upstream S3 bucket for the aws gateway backend.
	AWSBucket string `yaml:"aws_bucket"`
	// AWSRegion is the upstream region.
	AWSRegion string `yaml:"aws_region"`
	// AWSPrefix is prepended to every upstream key.
	AWSPrefix string `yaml:"aws_prefix"`
	// AWSEndpointURL overrides the S3 endpoint (LocalStack, MinIO).
	AWSEndpointURL string `yaml:"aws_endpoint_url"`
	// AWSUsePathStyle forces path-style addressing on the upstream client.
	AWSUsePathStyle bool `yaml:"aws_use_path_style"`
	// AWSAccessKeyID and AWSSecretAccessKey override the default AWS
	// credential chain when both are set.
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`

	// GCPBucket is the upstream GCS bucket for the gcp gateway backend.
	GCPBucket string `yaml:"gcp_bucket"`
	// GCPProject is the GCP project ID.
	GCPProject string `yaml:"gcp_project"`
	// GCPPrefix is prepended to every upstream object name.
	GCPPrefix string `yaml:"gcp_prefix"`
	// GCPCredentialsFile points at a service account key file. Empty uses
	// Application Default Credentials.
	GCPCredentialsFile string `yaml:"gcp_credentials_file"`

	// AzureContainer is the upstream container for the azure gateway backend.
	AzureContainer string `yaml:"azure_container"`
	// AzureAccount names the storage account; the account URL is derived as
	// https://{account}.blob.core.windows.net unless AzureAccountURL is set.
	AzureAccount    string `yaml:"azure_account"`
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzurePrefix is prepended to every upstream blob name.
	AzurePrefix string `yaml:"azure_prefix"`
	// AzureConnectionString authenticates with a connection string when set.
	AzureConnectionString string `yaml:"azure_connection_string"`
	// AzureUseManagedIdentity selects managed identity credentials instead
	// of the default credential chain.
	AzureUseManagedIdentity bool `yaml:"azure_use_managed_identity"`
}

// MetadataConfig selects and parameterizes the metadata store.
type MetadataConfig struct {
	// Backend is one of sqlite, jsonl, memory, dynamodb, firestore, cosmos.
	Backend string `yaml:"backend"`
	// SQLitePath is the database file for the sqlite store.
	SQLitePath string `yaml:"sqlite_path"`
	// JSONLRoot is the directory holding the jsonl store's log files.
	JSONLRoot string `yaml:"jsonl_root"`
	// CompactOnStartup rewrites the jsonl logs at startup, dropping
	// tombstones and superseded records.
	CompactOnStartup bool `yaml:"compact_on_startup"`
	// UploadTTLSeconds expires multipart uploads with no activity for this
	// long. Zero disables the reaper.
	UploadTTLSeconds int64 `yaml:"upload_ttl_seconds"`

	// DynamoDB store settings.
	DynamoDBTable       string `yaml:"dynamodb_table"`
	DynamoDBRegion      string `yaml:"dynamodb_region"`
	DynamoDBEndpointURL string `yaml:"dynamodb_endpoint_url"`

	// Firestore store settings.
	FirestoreProject         string `yaml:"firestore_project"`
	FirestoreCollection      string `yaml:"firestore_collection"`
	FirestoreCredentialsFile string `yaml:"firestore_credentials_file"`

	// Cosmos DB store settings.
	CosmosEndpoint  string `yaml:"cosmos_endpoint"`
	CosmosKey       string `yaml:"cosmos_key"`
	CosmosDatabase  string `yaml:"cosmos_database"`
	CosmosContainer string `yaml:"cosmos_container"`
}

// Load reads the YAML config at path. An empty path probes DefaultPaths;
// if none exist the built-in defaults are returned. An explicit path that
// cannot be read is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		for _, p := range DefaultPaths {
			data, err = os.ReadFile(p)
			if err == nil {
				break
			}
		}
		if err != nil {
			return cfg, nil
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is present: a local
// single-node server with auth on and SQLite metadata.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:               "0.0.0.0:9011",
			Region:                 "us-east-1",
			ShutdownTimeoutSeconds: 30,
			MaxObjectSize:          5 * 1024 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			Enabled:   true,
			AccessKey: "bleepstore",
			SecretKey: "bleepstore-secret",
		},
		Storage: StorageConfig{
			Backend:    "local",
			LocalRoot:  "./data/objects",
			SQLitePath: "./data/objects.db",
		},
		Metadata: MetadataConfig{
			Backend:    "sqlite",
			SQLitePath: "./data/metadata.db",
			JSONLRoot:  "./data/metadata",
		},
	}
}

// applyDefaults refills fields an explicit config set back to zero values.
// Bools are left alone: unmarshaling into Default() already preserves
// them when the file omits the key.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = def.Server.BindAddr
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = def.Server.Region
	}
	if cfg.Server.ShutdownTimeoutSeconds <= 0 {
		cfg.Server.ShutdownTimeoutSeconds = def.Server.ShutdownTimeoutSeconds
	}
	if cfg.Server.MaxObjectSize <= 0 {
		cfg.Server.MaxObjectSize = def.Server.MaxObjectSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Auth.AccessKey == "" {
		cfg.Auth.AccessKey = def.Auth.AccessKey
	}
	if cfg.Auth.SecretKey == "" {
		cfg.Auth.SecretKey = def.Auth.SecretKey
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.LocalRoot == "" {
		cfg.Storage.LocalRoot = def.Storage.LocalRoot
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = def.Storage.SQLitePath
	}
	if cfg.Metadata.Backend == "" {
		cfg.Metadata.Backend = def.Metadata.Backend
	}
	if cfg.Metadata.SQLitePath == "" {
		cfg.Metadata.SQLitePath = def.Metadata.SQLitePath
	}
	if cfg.Metadata.JSONLRoot == "" {
		cfg.Metadata.JSONLRoot = def.Metadata.JSONLRoot
	}
}
