// Package config loads the sensing configuration.
//
// The configuration is read from the YAML file given by the SENSING_CONFIG
// environment variable or the --config flag, then a few environment variables
// override the deployment specific values (paths and credentials).
package config

import (
	"os"
	"strings"
	"time"

	"github.com/mdouchement/sensing/internal/blobstore"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the sensing configuration.
	Config struct {
		// Database is the storm database path.
		Database string `yaml:"database"`
		// Workspace is the folder where the captures are stored before their upload.
		Workspace string          `yaml:"workspace"`
		Blobstore BlobstoreConfig `yaml:"blobstore"`
		Upload    UploadConfig    `yaml:"upload"`
		Sync      SyncConfig      `yaml:"sync"`
		Server    ServerConfig    `yaml:"server"`
	}

	// BlobstoreConfig configures the remote object store.
	BlobstoreConfig struct {
		// Backend is one of minio, s3, swift or memory.
		Backend   string `yaml:"backend"`
		Endpoint  string `yaml:"endpoint"`
		Region    string `yaml:"region"`
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Secure    bool   `yaml:"secure"`
		// BaseURL prefixes the remote location of the resources.
		BaseURL string      `yaml:"base_url"`
		Swift   SwiftConfig `yaml:"swift"`
		STS     STSConfig   `yaml:"sts"`
	}

	// STSConfig enables the MinIO AssumeRoleWithCustomToken credentials.
	STSConfig struct {
		Endpoint string        `yaml:"endpoint"`
		Token    string        `yaml:"token"`
		RoleARN  string        `yaml:"role_arn"`
		Duration time.Duration `yaml:"duration"`
	}

	// SwiftConfig holds the OpenStack credentials.
	SwiftConfig struct {
		AuthURL          string `yaml:"auth_url"`
		Tenant           string `yaml:"tenant"`
		Domain           string `yaml:"domain"`
		Username         string `yaml:"username"`
		APIKey           string `yaml:"api_key"`
		SegmentContainer string `yaml:"segment_container"`
	}

	// UploadConfig configures the multipart transfers.
	UploadConfig struct {
		PartSize    int64         `yaml:"part_size"`
		MinPartSize int64         `yaml:"min_part_size"`
		Multipart   bool          `yaml:"multipart"`
		PartTimeout time.Duration `yaml:"part_timeout"`
		// BandwidthLimit in bytes per second, zero means unlimited.
		BandwidthLimit int `yaml:"bandwidth_limit"`
	}

	// SyncConfig configures the synchronization scheduling.
	SyncConfig struct {
		// Schedule is a cron specification.
		Schedule          string      `yaml:"schedule"`
		MaxFailedAttempts int         `yaml:"max_failed_attempts"`
		Retry             RetryConfig `yaml:"retry"`
	}

	// RetryConfig is the exponential backoff applied after a failed run.
	RetryConfig struct {
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		MaxRetries      uint64        `yaml:"max_retries"`
	}

	// ServerConfig configures the control API.
	ServerConfig struct {
		Binding string `yaml:"binding"`
		Port    string `yaml:"port"`
		// Token protects the API, empty disables the authentication.
		Token string `yaml:"token"`
	}
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database:  "sensing.db",
		Workspace: "workspace",
		Blobstore: BlobstoreConfig{
			Backend: blobstore.BackendMinio,
			Bucket:  "captures",
		},
		Upload: UploadConfig{
			PartSize:    6291456,
			MinPartSize: 5242880,
			Multipart:   true,
			PartTimeout: 2 * time.Minute,
		},
		Sync: SyncConfig{
			Schedule:          "@every 30s",
			MaxFailedAttempts: 3,
			Retry: RetryConfig{
				InitialInterval: 10 * time.Second,
				MaxInterval:     5 * time.Minute,
				MaxRetries:      5,
			},
		},
		Server: ServerConfig{
			Binding: "127.0.0.1",
			Port:    "5000",
		},
	}
}

// Load loads the configuration file, an empty path only applies the defaults.
// The environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "could not read configuration")
		}

		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "could not parse configuration")
		}
	}

	cfg.applyEnvironment()

	return cfg, errors.Wrap(cfg.Validate(), "invalid configuration")
}

func (c *Config) applyEnvironment() {
	overrides := map[string]*string{
		"DATABASE_PATH":        &c.Database,
		"WORKSPACE_PATH":       &c.Workspace,
		"BLOBSTORE_ENDPOINT":   &c.Blobstore.Endpoint,
		"BLOBSTORE_BUCKET":     &c.Blobstore.Bucket,
		"BLOBSTORE_ACCESS_KEY": &c.Blobstore.AccessKey,
		"BLOBSTORE_SECRET_KEY": &c.Blobstore.SecretKey,
		"BLOBSTORE_STS_TOKEN":  &c.Blobstore.STS.Token,
		"SENSING_TOKEN":        &c.Server.Token,
	}

	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// Validate checks the consistency of the configuration.
func (c *Config) Validate() error {
	switch c.Blobstore.Backend {
	case blobstore.BackendMinio, blobstore.BackendS3:
		if c.Blobstore.Endpoint == "" && c.Blobstore.Backend == blobstore.BackendMinio {
			return errors.New("blobstore.endpoint is required by minio")
		}
		if c.Blobstore.STS.Endpoint != "" {
			if c.Blobstore.Backend != blobstore.BackendMinio {
				return errors.New("blobstore.sts is only supported by minio")
			}
			if c.Blobstore.STS.RoleARN == "" || c.Blobstore.STS.Token == "" {
				return errors.New("blobstore.sts requires token and role_arn")
			}
			if c.Blobstore.STS.Duration < 0 {
				return errors.New("blobstore.sts.duration must not be negative")
			}
		}
	case blobstore.BackendSwift:
		if c.Blobstore.Swift.AuthURL == "" {
			return errors.New("blobstore.swift.auth_url is required by swift")
		}
	case blobstore.BackendMemory:
	default:
		return errors.Errorf("unknown blobstore.backend %q", c.Blobstore.Backend)
	}

	if strings.TrimSpace(c.Blobstore.Bucket) == "" {
		return errors.New("blobstore.bucket is required")
	}

	if c.Upload.MinPartSize <= 0 {
		return errors.New("upload.min_part_size must be positive")
	}
	if c.Upload.PartSize < c.Upload.MinPartSize {
		return errors.New("upload.part_size must be greater than or equal to upload.min_part_size")
	}
	if c.Upload.PartTimeout <= 0 {
		return errors.New("upload.part_timeout must be positive")
	}
	if c.Upload.BandwidthLimit < 0 {
		return errors.New("upload.bandwidth_limit must not be negative")
	}

	if c.Sync.MaxFailedAttempts < 0 {
		return errors.New("sync.max_failed_attempts must not be negative")
	}
	return nil
}
