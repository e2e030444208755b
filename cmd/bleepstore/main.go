// Command bleepstore runs the S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/logging"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/server"
	"github.com/bleepstore/bleepstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (default: probe bleepstore.yaml, /etc/bleepstore/bleepstore.yaml)")
	bindAddr := flag.String("bind", "", "override server.bind_addr")
	region := flag.String("region", "", "override server.region")
	storageBackend := flag.String("storage-backend", "", "override storage.backend: local, memory, sqlite, aws, gcp, azure")
	metadataBackend := flag.String("metadata-backend", "", "override metadata.backend: sqlite, jsonl, memory, dynamodb, firestore, cosmos")
	dataRoot := flag.String("data-root", "", "base directory for local state (sets storage.local_root and metadata paths)")
	logLevel := flag.String("log-level", "", "override logging.level: debug, info, warn, error")
	noSeed := flag.Bool("no-seed-credentials", false, "skip seeding the configured root credential at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *bindAddr != "" {
		cfg.Server.BindAddr = *bindAddr
	}
	if *region != "" {
		cfg.Server.Region = *region
	}
	if *storageBackend != "" {
		cfg.Storage.Backend = *storageBackend
	}
	if *metadataBackend != "" {
		cfg.Metadata.Backend = *metadataBackend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *dataRoot != "" {
		cfg.Storage.LocalRoot = filepath.Join(*dataRoot, "objects")
		cfg.Metadata.SQLitePath = filepath.Join(*dataRoot, "metadata.db")
		cfg.Metadata.JSONLRoot = filepath.Join(*dataRoot, "metadata")
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// Crash-only design: every startup is recovery. SQLite WAL replays on
	// open, JSONL logs replay (and optionally compact), the local backend
	// prunes orphan temp files, and credential seeding is idempotent.
	meta, err := openMetadataStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer meta.Close()
	slog.Info("Metadata store initialized", "backend", cfg.Metadata.Backend)

	if !*noSeed {
		if err := seedRootCredential(meta, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed credentials: %v\n", err)
			os.Exit(1)
		}
	}

	store, err := openStorageBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if c, ok := store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("Storage backend close failed", "error", err)
			}
		}
	}()
	slog.Info("Storage backend initialized", "backend", cfg.Storage.Backend)

	srv, err := server.New(cfg, meta, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("BleepStore listening", "addr", cfg.Server.BindAddr, "auth", cfg.Auth.Enabled)
		if err := srv.ListenAndServe(cfg.Server.BindAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT: stop accepting connections, drain in-flight requests
	// until the timeout, then exit. No cleanup pass -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func openMetadataStore(cfg *config.Config) (metadata.Store, error) {
	m := cfg.Metadata
	switch m.Backend {
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(m.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return metadata.NewSQLiteStore(m.SQLitePath)
	case "jsonl":
		return metadata.NewJSONLStore(m.JSONLRoot, m.CompactOnStartup)
	case "memory":
		return metadata.NewMemoryStore(), nil
	case "dynamodb":
		if m.DynamoDBTable == "" {
			return nil, fmt.Errorf("metadata.dynamodb_table is required when backend is dynamodb")
		}
		return metadata.NewDynamoDBStore(m.DynamoDBTable, m.DynamoDBRegion, m.DynamoDBEndpointURL)
	case "firestore":
		if m.FirestoreProject == "" {
			return nil, fmt.Errorf("metadata.firestore_project is required when backend is firestore")
		}
		return metadata.NewFirestoreStore(context.Background(),
			m.FirestoreProject, m.FirestoreCollection, m.FirestoreCredentialsFile)
	case "cosmos":
		if m.CosmosEndpoint == "" {
			return nil, fmt.Errorf("metadata.cosmos_endpoint is required when backend is cosmos")
		}
		return metadata.NewCosmosStore(m.CosmosEndpoint, m.CosmosKey, m.CosmosDatabase, m.CosmosContainer)
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", m.Backend)
	}
}

func openStorageBackend(cfg *config.Config) (storage.Backend, error) {
	st := cfg.Storage
	switch st.Backend {
	case "local", "":
		return storage.NewLocalBackend(st.LocalRoot)
	case "memory":
		if st.MemorySnapshotPath != "" {
			interval := time.Duration(st.MemorySnapshotIntervalSeconds) * time.Second
			return storage.NewPersistentMemoryBackend(st.MemoryMaxBytes, st.MemorySnapshotPath, interval)
		}
		return storage.NewMemoryBackend(st.MemoryMaxBytes), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(st.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return storage.NewSQLiteBackend(st.SQLitePath)
	case "aws":
		if st.AWSBucket == "" {
			return nil, fmt.Errorf("storage.aws_bucket is required when backend is aws")
		}
		region := st.AWSRegion
		if region == "" {
			region = "us-east-1"
		}
		return storage.NewS3Gateway(context.Background(), st.AWSBucket, region, st.AWSPrefix,
			st.AWSEndpointURL, st.AWSUsePathStyle, st.AWSAccessKeyID, st.AWSSecretAccessKey)
	case "gcp":
		if st.GCPBucket == "" {
			return nil, fmt.Errorf("storage.gcp_bucket is required when backend is gcp")
		}
		return storage.NewGCSGateway(context.Background(), st.GCPBucket, st.GCPProject,
			st.GCPPrefix, st.GCPCredentialsFile)
	case "azure":
		if st.AzureContainer == "" {
			return nil, fmt.Errorf("storage.azure_container is required when backend is azure")
		}
		accountURL := st.AzureAccountURL
		if accountURL == "" {
			if st.AzureAccount == "" {
				return nil, fmt.Errorf("storage.azure_account or storage.azure_account_url is required when backend is azure")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", st.AzureAccount)
		}
		return storage.NewAzureGateway(context.Background(), st.AzureContainer, accountURL,
			st.AzurePrefix, st.AzureConnectionString, st.AzureUseManagedIdentity)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", st.Backend)
	}
}

// seedRootCredential upserts the configured access key pair. Runs on every
// startup; an existing active record with the same secret is left alone.
func seedRootCredential(meta metadata.Store, cfg *config.Config) error {
	ctx := context.Background()

	existing, err := meta.GetCredential(ctx, cfg.Auth.AccessKey)
	if err != nil {
		return fmt.Errorf("checking root credential: %w", err)
	}
	if existing != nil && existing.Active && existing.SecretKey == cfg.Auth.SecretKey {
		return nil
	}

	cred := &metadata.CredentialRecord{
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		OwnerID:     cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if existing != nil {
		cred.CreatedAt = existing.CreatedAt
	}
	if err := meta.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("seeding root credential: %w", err)
	}
	slog.Info("Seeded root credentials", "access_key", cfg.Auth.AccessKey)
	return nil
}
