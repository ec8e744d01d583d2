package treefs

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gobeaver/beaver-kit/config"
)

// Global instance
var (
	defaultRoot Directory
	defaultOnce sync.Once
	defaultErr  error
)

// Builder provides a way to create trees with custom env prefixes
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// Init initializes the global tree using the builder's prefix
func (b *Builder) Init() error {
	cfg, err := b.config()
	if err != nil {
		return err
	}
	return Init(cfg)
}

// New creates a new tree using the builder's prefix
func (b *Builder) New() (Directory, error) {
	cfg, err := b.config()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

func (b *Builder) config() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init initializes the global tree
func Init(configs ...*Config) error {
	defaultOnce.Do(func() {
		var cfg *Config
		if len(configs) > 0 {
			cfg = configs[0]
		} else {
			cfg, defaultErr = GetConfig()
			if defaultErr != nil {
				return
			}
		}

		defaultRoot, defaultErr = New(cfg)
	})

	return defaultErr
}

// New creates the root directory described by cfg: the driver's root,
// wrapped read-only when cfg.ReadOnly is set and in a cached tree when
// cfg.Cache is set.
func New(cfg *Config) (Directory, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	root, err := CreateDriver(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}

	if cfg.ReadOnly {
		root = NewReadOnlyDirectory(root)
	}
	if cfg.Cache {
		root = NewCachedProxyRootDirectory(root)
	}
	return root, nil
}

// validateConfig checks configuration validity
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.Driver == "" {
		return errors.New("driver is required")
	}

	switch cfg.Driver {
	case "memory":
		if cfg.MemoryMaxSize < 0 {
			return errors.New("memory max size cannot be negative")
		}
	case "local":
		if cfg.LocalBasePath == "" {
			return errors.New("local base path is required for local driver")
		}
	case "postgres":
		if cfg.PostgresURL == "" {
			return errors.New("postgres URL is required for postgres driver")
		}
	case "remote":
		if cfg.RemoteURL == "" {
			return errors.New("remote URL is required for remote driver")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return errors.New("S3 bucket is required for S3 driver")
		}
		// Access keys can be provided via IAM roles, so not always required
	case "sftp":
		if cfg.SFTPHost == "" || cfg.SFTPUsername == "" {
			return errors.New("SFTP host and username are required for SFTP driver")
		}
	case "zip":
		if cfg.ZipPath == "" {
			return errors.New("zip path is required for zip driver")
		}
	default:
		if !slices.Contains(Drivers(), cfg.Driver) {
			return fmt.Errorf("unknown driver: %s", cfg.Driver)
		}
	}

	return nil
}

// Root returns the global tree, initializing it from the environment on
// first use. It returns nil if initialization failed; use Default to get the
// error.
func Root() Directory {
	root, _ := Default()
	return root
}

// Default returns the global tree, initializing if needed with error handling
func Default() (Directory, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	return defaultRoot, nil
}

// NewFromEnv creates a tree from environment variables
func NewFromEnv() (Directory, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Reset clears the global instance (for testing)
func Reset() {
	defaultRoot = nil
	defaultOnce = sync.Once{}
	defaultErr = nil
}
