package sftp

import (
	"fmt"
	"os"
	"time"

	"github.com/gobeaver/treefs"
)

func init() {
	treefs.RegisterDriver("sftp", func(cfg *treefs.Config) (treefs.Directory, error) {
		if cfg.SFTPHost == "" {
			return nil, fmt.Errorf("SFTP host is required")
		}

		sftpConfig := Config{
			Host:     cfg.SFTPHost,
			Port:     cfg.SFTPPort,
			Username: cfg.SFTPUsername,
			Password: cfg.SFTPPassword,
			BasePath: cfg.SFTPBasePath,
			Timeout:  time.Duration(cfg.SFTPTimeout) * time.Second,
		}

		// Load private key if specified
		if cfg.SFTPPrivateKey != "" {
			keyData, err := os.ReadFile(cfg.SFTPPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			sftpConfig.PrivateKey = keyData
		}

		return Dial(sftpConfig)
	})
}
