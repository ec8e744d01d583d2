package treefs

import (
	"github.com/gobeaver/beaver-kit/config"
)

// Config selects and configures the backend behind a tree. It is loaded from
// the environment and doubles as the per-mount block of the CLI mount file.
type Config struct {
	// Backend driver to use (memory, local, postgres, remote, s3, sftp, zip)
	Driver string `env:"TREEFS_DRIVER,default:memory" yaml:"driver"`

	// Wrappers applied by New
	ReadOnly bool `env:"TREEFS_READ_ONLY,default:false" yaml:"readOnly"`
	Cache    bool `env:"TREEFS_CACHE,default:true" yaml:"cache"`

	LogLevel string `env:"TREEFS_LOG_LEVEL,default:info" yaml:"logLevel"`

	// Memory driver configuration
	MemoryMaxSize int64 `env:"TREEFS_MEMORY_MAX_SIZE,default:0" yaml:"memoryMaxSize"` // 0 = unlimited

	// Local driver configuration
	LocalBasePath string `env:"TREEFS_LOCAL_BASE_PATH,default:./storage" yaml:"localBasePath"`
	LocalWatch    bool   `env:"TREEFS_LOCAL_WATCH,default:false" yaml:"localWatch"`

	// Postgres driver configuration
	PostgresURL   string `env:"TREEFS_POSTGRES_URL" yaml:"postgresURL"`
	PostgresTable string `env:"TREEFS_POSTGRES_TABLE,default:treefs_files" yaml:"postgresTable"`

	// Remote driver configuration
	RemoteURL     string `env:"TREEFS_REMOTE_URL" yaml:"remoteURL"`
	RemoteToken   string `env:"TREEFS_REMOTE_TOKEN" yaml:"remoteToken"`
	RemoteTimeout int    `env:"TREEFS_REMOTE_TIMEOUT,default:30" yaml:"remoteTimeout"` // seconds

	// S3 driver configuration
	S3Region          string `env:"TREEFS_S3_REGION,default:us-east-1" yaml:"s3Region"`
	S3Bucket          string `env:"TREEFS_S3_BUCKET" yaml:"s3Bucket"`
	S3Prefix          string `env:"TREEFS_S3_PREFIX" yaml:"s3Prefix"`
	S3Endpoint        string `env:"TREEFS_S3_ENDPOINT" yaml:"s3Endpoint"`
	S3AccessKeyID     string `env:"TREEFS_S3_ACCESS_KEY_ID" yaml:"s3AccessKeyID"`
	S3SecretAccessKey string `env:"TREEFS_S3_SECRET_ACCESS_KEY" yaml:"s3SecretAccessKey"`
	S3ForcePathStyle  bool   `env:"TREEFS_S3_FORCE_PATH_STYLE,default:false" yaml:"s3ForcePathStyle"`
	S3Timeout         int    `env:"TREEFS_S3_TIMEOUT,default:30" yaml:"s3Timeout"` // seconds

	// SFTP driver configuration
	SFTPHost       string `env:"TREEFS_SFTP_HOST" yaml:"sftpHost"`
	SFTPPort       int    `env:"TREEFS_SFTP_PORT,default:22" yaml:"sftpPort"`
	SFTPUsername   string `env:"TREEFS_SFTP_USERNAME" yaml:"sftpUsername"`
	SFTPPassword   string `env:"TREEFS_SFTP_PASSWORD" yaml:"sftpPassword"`
	SFTPPrivateKey string `env:"TREEFS_SFTP_PRIVATE_KEY" yaml:"sftpPrivateKey"` // Path to private key file
	SFTPBasePath   string `env:"TREEFS_SFTP_BASE_PATH" yaml:"sftpBasePath"`
	SFTPTimeout    int    `env:"TREEFS_SFTP_TIMEOUT,default:30" yaml:"sftpTimeout"` // seconds, for the ssh dial

	// Zip driver configuration
	ZipPath string `env:"TREEFS_ZIP_PATH" yaml:"zipPath"` // archive mounted read-only
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
