//go:build unix && !darwin

package local

import (
	"syscall"
	"time"
)

// birthTime is unknown here: Stat_t carries no creation time, and statx is
// neither portable nor supported by every filesystem.
func birthTime(*syscall.Stat_t) time.Time {
	return time.Time{}
}
