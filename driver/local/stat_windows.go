//go:build windows

package local

import (
	"os"
	"syscall"
	"time"
)

// platformInfo extracts the creation time Windows records natively. Owner
// information would need GetSecurityInfo and is left out.
func platformInfo(info os.FileInfo) (extra map[string]any, created time.Time) {
	extra = map[string]any{"mode": info.Mode().String()}

	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return extra, time.Time{}
	}
	return extra, time.Unix(0, data.CreationTime.Nanoseconds())
}
