package treefs

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Fallback mime type for content nothing else recognises.
const MimeTypeOctetStream = "application/octet-stream"

// extensions the standard table misses or gets wrong across platforms
var knownExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".zip":  "application/zip",
	".pdf":  "application/pdf",
}

// GuessMimeType determines the mime type of a new file from its name and
// content. Extensions win over content sniffing; unknown content is
// application/octet-stream.
func GuessMimeType(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))
	if mt, ok := knownExtensions[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); ext != "" && mt != "" {
		return mt
	}
	if len(data) > 0 {
		if mt := http.DetectContentType(data); mt != MimeTypeOctetStream {
			return mt
		}
	}
	return MimeTypeOctetStream
}

// IsTextMimeType reports whether content of this mime type is printable text.
func IsTextMimeType(mimeType string) bool {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.TrimSpace(mimeType)
	return strings.HasPrefix(mimeType, "text/") ||
		mimeType == "application/json" ||
		mimeType == "application/xml" ||
		mimeType == "application/yaml"
}
