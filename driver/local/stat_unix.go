//go:build unix

package local

import (
	"os"
	"syscall"
	"time"
)

// platformInfo extracts owner and creation time on Unix systems. created is
// zero when the platform does not record it.
func platformInfo(info os.FileInfo) (extra map[string]any, created time.Time) {
	extra = map[string]any{"mode": info.Mode().String()}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return extra, time.Time{}
	}
	extra["uid"] = stat.Uid
	extra["gid"] = stat.Gid
	return extra, birthTime(stat)
}
