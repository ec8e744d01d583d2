package memory

import "github.com/gobeaver/treefs"

func init() {
	treefs.RegisterDriver("memory", func(cfg *treefs.Config) (treefs.Directory, error) {
		return New(Config{MaxSize: cfg.MemoryMaxSize}), nil
	})
}
