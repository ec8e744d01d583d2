package local

import (
	"context"

	"github.com/gobeaver/treefs"
)

func init() {
	treefs.RegisterDriver("local", func(cfg *treefs.Config) (treefs.Directory, error) {
		root, err := New(cfg.LocalBasePath)
		if err != nil {
			return nil, err
		}
		if cfg.LocalWatch {
			// lives as long as the process
			if err := root.Watch(context.Background()); err != nil {
				return nil, err
			}
		}
		return root, nil
	})
}
