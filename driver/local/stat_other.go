//go:build !unix && !windows

package local

import (
	"os"
	"time"
)

func platformInfo(info os.FileInfo) (map[string]any, time.Time) {
	return map[string]any{"mode": info.Mode().String()}, time.Time{}
}
