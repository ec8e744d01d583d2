package remote

import (
	"time"

	"github.com/gobeaver/treefs"
)

func init() {
	treefs.RegisterDriver("remote", func(cfg *treefs.Config) (treefs.Directory, error) {
		return New(cfg.RemoteURL,
			WithToken(cfg.RemoteToken),
			WithTimeout(time.Duration(cfg.RemoteTimeout)*time.Second),
		)
	})
}
