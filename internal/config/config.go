// Package config handles loading and parsing of Snow Bunny configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/schester44/Snow-Bunny/internal/awscfg"
	bberrors "github.com/schester44/Snow-Bunny/internal/errors"
)

const mib = 1024 * 1024

// Archive backend names.
const (
	BackendGlacier = "glacier"
	BackendS3      = "s3"
	BackendAzure   = "azure"
	BackendGCP     = "gcp"
	BackendMemory  = "memory"
)

// State engine names.
const (
	EngineSQLite    = "sqlite"
	EngineJSON      = "json"
	EngineDynamoDB  = "dynamodb"
	EngineFirestore = "firestore"
	EngineCosmos    = "cosmos"
)

// Backends lists the supported archive backends.
var Backends = []string{BackendGlacier, BackendS3, BackendAzure, BackendGCP, BackendMemory}

// Engines lists the supported state engines.
var Engines = []string{EngineSQLite, EngineJSON, EngineDynamoDB, EngineFirestore, EngineCosmos}

// Config is the top-level configuration for a backup run.
type Config struct {
	// Source is the directory enumerated by the load step.
	Source string `yaml:"source"`
	// Vault is the destination vault (bucket or container on object stores).
	Vault string `yaml:"vault"`
	// Limit is the maximum number of files uploaded concurrently.
	Limit int `yaml:"limit"`
	// Load enumerates Source into the pending set before uploading.
	Load bool `yaml:"load"`
	// DryRun replaces the archive backend with an in-memory vault.
	DryRun bool `yaml:"dry_run"`

	AWS     AWSConfig     `yaml:"aws"`
	Archive ArchiveConfig `yaml:"archive"`
	State   StateConfig   `yaml:"state"`
	Logging LoggingConfig `yaml:"logging"`
	Status  StatusConfig  `yaml:"status"`
}

// AWSConfig holds credentials shared by every AWS-backed component. The
// environment (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_REGION) takes
// precedence over the file.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// EndpointURL overrides the AWS endpoint for every AWS client.
	EndpointURL string `yaml:"endpoint_url"`
}

// ArchiveConfig holds remote archive backend settings.
type ArchiveConfig struct {
	// Backend is the archive backend type (glacier, s3, azure, gcp, memory).
	Backend string `yaml:"backend"`
	// PartSize is the multipart part size in bytes. Zero picks the
	// backend's default.
	PartSize int64 `yaml:"part_size"`
	// PartConcurrency bounds the parts of one file in flight.
	PartConcurrency int `yaml:"part_concurrency"`

	Glacier GlacierConfig `yaml:"glacier"`
	S3      S3Config      `yaml:"s3"`
	Azure   AzureConfig   `yaml:"azure"`
	GCP     GCPConfig     `yaml:"gcp"`
}

// GlacierConfig holds Glacier-specific settings.
type GlacierConfig struct {
	// AccountID is the vault owner's account; "-" means the caller's.
	AccountID string `yaml:"account_id"`
}

// S3Config holds S3 archive backend settings. The vault is the bucket.
type S3Config struct {
	// Prefix is the optional key prefix for all archives.
	Prefix string `yaml:"prefix"`
	// StorageClass is the archival storage class (default DEEP_ARCHIVE).
	StorageClass string `yaml:"storage_class"`
	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool `yaml:"use_path_style"`
}

// AzureConfig holds Azure archive backend settings. The vault is the
// container.
type AzureConfig struct {
	// Account is the storage account name. Used to construct the account
	// URL: https://{account}.blob.core.windows.net
	Account string `yaml:"account"`
	// AccountURL is the full storage account URL. If empty, it is
	// constructed from Account.
	AccountURL string `yaml:"account_url"`
	// ConnectionString, when set, takes precedence over identity auth.
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
	Prefix             string `yaml:"prefix"`
}

// GCPConfig holds GCS archive backend settings. The vault is the bucket.
type GCPConfig struct {
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
}

// StateConfig holds upload state store settings.
type StateConfig struct {
	// Engine is the state engine (sqlite, json, dynamodb, firestore, cosmos).
	Engine string `yaml:"engine"`
	// Path is the base name of the local state file; the engine adds its
	// extension (".db" for sqlite, ".json" for json).
	Path string `yaml:"path"`

	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// DynamoDBConfig holds DynamoDB state engine settings.
type DynamoDBConfig struct {
	Table string `yaml:"table"`
	// Region overrides the shared AWS region for the state table.
	Region string `yaml:"region"`
	// EndpointURL overrides the DynamoDB endpoint (DynamoDB Local).
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore state engine settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Cosmos DB state engine settings.
// The container's partition key path must be "/pk".
type CosmosConfig struct {
	Endpoint string `yaml:"endpoint"`
	// MasterKey authenticates against Endpoint; without it the default
	// Azure credential chain is used.
	MasterKey        string `yaml:"master_key"`
	ConnectionString string `yaml:"connection_string"`
	Database         string `yaml:"database"`
	Container        string `yaml:"container"`
	// Partition is the logical partition holding this job's state.
	Partition string `yaml:"partition"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is the output format (text, json).
	Format string `yaml:"format"`
}

// StatusConfig holds the run status server settings.
type StatusConfig struct {
	// Addr is the listen address (e.g. ":9090"). Empty disables the server.
	Addr string `yaml:"addr"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied. An empty path, or a path that does
// not exist, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Limit: 5,
		Archive: ArchiveConfig{
			Backend:         BackendGlacier,
			PartConcurrency: 4,
			Glacier:         GlacierConfig{AccountID: "-"},
		},
		State: StateConfig{
			Engine: EngineSQLite,
			Path:   "db",
			Firestore: FirestoreConfig{
				Collection: "snowbunny",
			},
			Cosmos: CosmosConfig{
				Database:  "snowbunny",
				Container: "state",
				Partition: "default",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Limit == 0 {
		cfg.Limit = 5
	}
	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = BackendGlacier
	}
	if cfg.Archive.PartConcurrency == 0 {
		cfg.Archive.PartConcurrency = 4
	}
	if cfg.Archive.Glacier.AccountID == "" {
		cfg.Archive.Glacier.AccountID = "-"
	}
	if cfg.State.Engine == "" {
		cfg.State.Engine = EngineSQLite
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "db"
	}
	if cfg.State.Firestore.Collection == "" {
		cfg.State.Firestore.Collection = "snowbunny"
	}
	if cfg.State.Cosmos.Database == "" {
		cfg.State.Cosmos.Database = "snowbunny"
	}
	if cfg.State.Cosmos.Container == "" {
		cfg.State.Cosmos.Container = "state"
	}
	if cfg.State.Cosmos.Partition == "" {
		cfg.State.Cosmos.Partition = "default"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// ApplyEnv overlays AWS credentials from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.AWS.AccessKeyID = v
	}
	if v := getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.AWS.SecretAccessKey = v
	}
	if v := getenv("AWS_REGION"); v != "" {
		c.AWS.Region = v
	}
}

// AWSOptions returns the options shared by every AWS client.
func (c *Config) AWSOptions() awscfg.Options {
	return awscfg.Options{
		Region:          c.AWS.Region,
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
		EndpointURL:     c.AWS.EndpointURL,
	}
}

// EffectiveBackend returns the archive backend after DryRun is applied.
func (c *Config) EffectiveBackend() string {
	if c.DryRun {
		return BackendMemory
	}
	return c.Archive.Backend
}

// EffectivePartSize returns the configured part size, or the backend's
// default when none is set. S3 and GCS require larger parts than Glacier.
func (c *Config) EffectivePartSize() int64 {
	if c.Archive.PartSize > 0 {
		return c.Archive.PartSize
	}
	switch c.EffectiveBackend() {
	case BackendS3, BackendGCP:
		return 8 * mib
	default:
		return mib
	}
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c *Config) NeedsAWS() bool {
	b := c.EffectiveBackend()
	return b == BackendGlacier || b == BackendS3 || c.State.Engine == EngineDynamoDB
}

// Validate checks the configuration before any I/O. Every failure is a
// ConfigError.
func (c *Config) Validate() error {
	if c.Vault == "" {
		return bberrors.ErrNoVault
	}
	if c.Limit < 1 {
		return bberrors.NewConfigError("limit", fmt.Sprintf("must be at least 1, got %d", c.Limit))
	}
	if c.Archive.PartConcurrency < 1 {
		return bberrors.NewConfigError("archive.part_concurrency", fmt.Sprintf("must be at least 1, got %d", c.Archive.PartConcurrency))
	}
	if !slices.Contains(Backends, c.Archive.Backend) {
		return bberrors.NewConfigError("archive.backend", fmt.Sprintf("unknown backend %q", c.Archive.Backend))
	}
	if !slices.Contains(Engines, c.State.Engine) {
		return bberrors.NewConfigError("state.engine", fmt.Sprintf("unknown engine %q", c.State.Engine))
	}

	size := c.EffectivePartSize()
	n := size / mib
	if size%mib != 0 || n < 1 || n > 4096 || n&(n-1) != 0 {
		return bberrors.NewConfigError("archive.part_size", fmt.Sprintf("%d is not 1 MiB times a power of two up to 4 GiB", size))
	}
	if b := c.EffectiveBackend(); (b == BackendS3 || b == BackendGCP) && size < 8*mib {
		return bberrors.NewConfigError("archive.part_size", fmt.Sprintf("backend %s needs parts of at least 8 MiB, got %d", b, size))
	}

	if c.NeedsAWS() {
		switch {
		case c.AWS.AccessKeyID == "":
			return bberrors.NewConfigError("AWS_ACCESS_KEY_ID", "not set")
		case c.AWS.SecretAccessKey == "":
			return bberrors.NewConfigError("AWS_SECRET_ACCESS_KEY", "not set")
		case c.AWS.Region == "":
			return bberrors.NewConfigError("AWS_REGION", "not set")
		}
	}

	if !c.DryRun {
		switch c.Archive.Backend {
		case BackendAzure:
			if c.Archive.Azure.AccountURL == "" && c.Archive.Azure.Account == "" && c.Archive.Azure.ConnectionString == "" {
				return bberrors.NewConfigError("archive.azure", "account, account_url or connection_string is required")
			}
		}
	}

	switch c.State.Engine {
	case EngineDynamoDB:
		if c.State.DynamoDB.Table == "" {
			return bberrors.NewConfigError("state.dynamodb.table", "required")
		}
	case EngineFirestore:
		if c.State.Firestore.ProjectID == "" {
			return bberrors.NewConfigError("state.firestore.project_id", "required")
		}
	case EngineCosmos:
		if c.State.Cosmos.Endpoint == "" && c.State.Cosmos.ConnectionString == "" {
			return bberrors.NewConfigError("state.cosmos", "endpoint or connection_string is required")
		}
	}
	return nil
}

// AzureAccountURL returns the configured Azure account URL, derived from
// the account name when not set explicitly.
func (c *Config) AzureAccountURL() string {
	if c.Archive.Azure.AccountURL != "" {
		return c.Archive.Azure.AccountURL
	}
	if c.Archive.Azure.Account != "" {
		return fmt.Sprintf("https://%s.blob.core.windows.net", c.Archive.Azure.Account)
	}
	return ""
}

// StatePath returns the local state file path for file-based engines.
func (c *Config) StatePath() string {
	switch c.State.Engine {
	case EngineJSON:
		return c.State.Path + ".json"
	default:
		return c.State.Path + ".db"
	}
}
