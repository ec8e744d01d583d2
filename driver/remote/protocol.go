package remote

import (
	"errors"
	"net/http"

	"github.com/gobeaver/treefs"
)

// HeaderKind tells file content and directory listings apart in GET
// responses.
const HeaderKind = "X-Treefs-Kind"

const (
	kindFile      = "file"
	kindDirectory = "directory"
)

// Actions are appended to an entity's path as a last segment. Entities with
// these names cannot be addressed over HTTP.
const (
	actionStat     = ".stat"
	actionMkdir    = ".mkdir"
	actionAdd      = ".add"
	actionRename   = ".rename"
	actionDelete   = ".delete"
	actionMove     = ".move"
	actionCopy     = ".copy"
	actionSearch   = ".search"
	actionChecksum = ".checksum"
)

var actions = map[string]bool{
	actionStat: true, actionMkdir: true, actionAdd: true, actionRename: true, actionDelete: true,
	actionMove: true, actionCopy: true, actionSearch: true, actionChecksum: true,
}

// errorResponse is the body of every failed request. Path is the path of
// the failing *treefs.PathError, relative to the requested directory.
type errorResponse struct {
	Error string `json:"error"`
	Path  string `json:"path,omitempty"`
	Code  int    `json:"code"`
}

// searchResult is one element of a search response.
type searchResult struct {
	Path string          `json:"path"`
	Info treefs.FileInfo `json:"info"`
}

type checksumResponse struct {
	Algorithm treefs.ChecksumAlgorithm `json:"algorithm"`
	Checksum  string                   `json:"checksum"`
}

// statuses maps sentinels to status codes, in both directions.
var statuses = []struct {
	err    error
	status int
}{
	{treefs.ErrNotExist, http.StatusNotFound},
	{treefs.ErrExist, http.StatusConflict},
	{treefs.ErrNotSupported, http.StatusMethodNotAllowed},
	{treefs.ErrNotAllowed, http.StatusForbidden},
	{treefs.ErrDetached, http.StatusGone},
	{treefs.ErrInvalidName, http.StatusBadRequest},
	{treefs.ErrNoSpace, http.StatusInsufficientStorage},
	{treefs.ErrIsDir, http.StatusUnprocessableEntity},
}

func statusOf(err error) int {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

func sentinelOf(status int) (error, bool) {
	for _, s := range statuses {
		if s.status == status {
			return s.err, true
		}
	}
	return nil, false
}
