package zip

import (
	"fmt"

	"github.com/gobeaver/treefs"
)

func init() {
	treefs.RegisterDriver("zip", func(cfg *treefs.Config) (treefs.Directory, error) {
		if cfg.ZipPath == "" {
			return nil, fmt.Errorf("zip path is required")
		}
		return Open(cfg.ZipPath)
	})
}
