//go:build darwin

package local

import (
	"syscall"
	"time"
)

// birthTime reads the creation time macOS keeps in Birthtimespec.
func birthTime(stat *syscall.Stat_t) time.Time {
	return time.Unix(stat.Birthtimespec.Sec, stat.Birthtimespec.Nsec)
}
