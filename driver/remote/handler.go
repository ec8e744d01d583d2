package remote

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

// Handler serves a tree over HTTP. Any Directory can be served, including a
// remote one, so trees can be chained.
//
// Routes, relative to where the handler is mounted:
//
//	GET  /<path>                       content or directory listing
//	GET  /<path>/.stat[?p=a&p=b]       FileInfo of path, or of path/a/b
//	PUT  /<path>                       overwrite, responds with stored bytes
//	POST /<dir>/.mkdir?name=N          create directory
//	POST /<dir>/.add?name=N&mimeType=M create file from the body
//	POST /<path>/.rename?name=N
//	POST /<path>/.delete
//	POST /<path>/.move?to=/<dir>
//	POST /<path>/.copy?to=/<dir>
//	GET  /<dir>/.search?q=Q            [{path, info}]
//	GET  /<path>/.checksum?algorithm=A
type Handler struct {
	root    treefs.Directory
	token   string
	maxBody int64
	log     zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAuthToken requires "Authorization: Bearer <token>" on every request.
func WithAuthToken(token string) HandlerOption {
	return func(h *Handler) { h.token = token }
}

// WithMaxBodySize limits request bodies. Default 32 MiB.
func WithMaxBodySize(n int64) HandlerOption {
	return func(h *Handler) { h.maxBody = n }
}

// NewHandler creates a handler serving root.
func NewHandler(root treefs.Directory, opts ...HandlerOption) *Handler {
	h := &Handler{
		root:    root,
		maxBody: 32 << 20,
		log:     logging.Get("treefs.remote.handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	segments := treefs.SplitPath(r.URL.Path)
	action := ""
	if n := len(segments); n > 0 && actions[segments[n-1]] {
		action, segments = segments[n-1], segments[:n-1]
	}
	defer func() {
		metrics.RecordHTTPRequest(r.Method, actionLabel(r.Method, action), rec.status)
	}()

	if !h.authorized(r) {
		h.sendError(rec, http.StatusUnauthorized, errors.New("unauthorized"), "")
		return
	}

	f, err := h.root.GetFile(r.Context(), segments)
	if err != nil {
		h.fail(rec, err)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		h.handleRead(rec, r, f)
	case r.Method == http.MethodGet && action == actionStat:
		h.handleStat(rec, r, f)
	case r.Method == http.MethodPut && action == "":
		h.handleWrite(rec, r, f)
	case r.Method == http.MethodPost && action == actionMkdir:
		h.withDirectory(rec, f, func(dir treefs.Directory) {
			sub, err := dir.AddDirectory(r.Context(), r.URL.Query().Get("name"))
			h.respondInfo(rec, http.StatusCreated, sub, err)
		})
	case r.Method == http.MethodPost && action == actionAdd:
		h.withDirectory(rec, f, func(dir treefs.Directory) {
			data, err := h.readBody(r)
			if err != nil {
				h.sendError(rec, http.StatusRequestEntityTooLarge, err, "")
				return
			}
			q := r.URL.Query()
			added, err := dir.AddFile(r.Context(), data, q.Get("name"), q.Get("mimeType"))
			h.respondInfo(rec, http.StatusCreated, added, err)
		})
	case r.Method == http.MethodPost && action == actionRename:
		err := f.Rename(r.Context(), r.URL.Query().Get("name"))
		h.respondInfo(rec, http.StatusOK, f, err)
	case r.Method == http.MethodPost && action == actionDelete:
		if err := f.Delete(r.Context()); err != nil {
			h.fail(rec, err)
			return
		}
		rec.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && (action == actionMove || action == actionCopy):
		h.handleTransfer(rec, r, f, action)
	case r.Method == http.MethodGet && action == actionSearch:
		h.withDirectory(rec, f, func(dir treefs.Directory) {
			h.handleSearch(rec, r, dir)
		})
	case r.Method == http.MethodGet && action == actionChecksum:
		algorithm := treefs.ChecksumAlgorithm(r.URL.Query().Get("algorithm"))
		sum, err := treefs.Checksum(r.Context(), f, algorithm)
		if err != nil {
			h.fail(rec, err)
			return
		}
		h.sendJSON(rec, http.StatusOK, checksumResponse{Algorithm: algorithm, Checksum: sum})
	default:
		h.sendError(rec, http.StatusMethodNotAllowed, treefs.ErrNotSupported, "")
	}
}

// authorized compares the bearer token in constant time.
func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func actionLabel(method, action string) string {
	if action != "" {
		return strings.TrimPrefix(action, ".")
	}
	if method == http.MethodPut {
		return "write"
	}
	return "read"
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, f treefs.File) {
	data, err := f.Read(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if f.Kind() == treefs.KindDirectory {
		w.Header().Set(HeaderKind, kindDirectory)
		w.Header().Set("Content-Type", treefs.DirectoryMimeType)
	} else {
		w.Header().Set(HeaderKind, kindFile)
		w.Header().Set("Content-Type", f.Info().MimeType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleStat resolves the optional p parameters relative to f, so that path
// errors are reported the way f.GetFile reports them.
func (h *Handler) handleStat(w http.ResponseWriter, r *http.Request, f treefs.File) {
	path := r.URL.Query()["p"]
	if len(path) == 0 {
		h.sendJSON(w, http.StatusOK, f.Info())
		return
	}
	dir, ok := treefs.AsDirectory(f)
	if !ok {
		h.fail(w, treefs.NewPathError("getFile", path[0], treefs.ErrNotExist))
		return
	}
	target, err := dir.GetFile(r.Context(), path)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, target.Info())
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request, f treefs.File) {
	data, err := h.readBody(r)
	if err != nil {
		h.sendError(w, http.StatusRequestEntityTooLarge, err, "")
		return
	}
	stored, err := f.Write(r.Context(), data)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", treefs.MimeTypeOctetStream)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(stored)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request, f treefs.File, action string) {
	to, err := h.root.GetFile(r.Context(), treefs.SplitPath(r.URL.Query().Get("to")))
	if err != nil {
		h.fail(w, err)
		return
	}
	target, ok := treefs.AsDirectory(to)
	if !ok {
		h.fail(w, treefs.NewPathError(strings.TrimPrefix(action, "."), to.Name(), treefs.ErrNotDir))
		return
	}

	if action == actionMove {
		moved, err := f.Move(r.Context(), target)
		h.respondInfo(w, http.StatusOK, moved, err)
		return
	}
	copied, err := f.Copy(r.Context(), target)
	h.respondInfo(w, http.StatusCreated, copied, err)
}

// handleSearch walks dir itself because Search results carry no path.
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request, dir treefs.Directory) {
	m := treefs.NameMatcher(r.URL.Query().Get("q"))
	results := []searchResult{}
	err := treefs.Walk(r.Context(), dir, func(path []string, f treefs.File) error {
		if m.Match(f) {
			results = append(results, searchResult{Path: treefs.JoinPath(path), Info: f.Info()})
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, results)
}

func (h *Handler) withDirectory(w http.ResponseWriter, f treefs.File, fn func(treefs.Directory)) {
	dir, ok := treefs.AsDirectory(f)
	if !ok {
		h.fail(w, treefs.NewPathError("resolve", f.Name(), treefs.ErrNotDir))
		return
	}
	fn(dir)
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, h.maxBody))
}

func (h *Handler) respondInfo(w http.ResponseWriter, status int, f treefs.File, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	h.sendJSON(w, status, f.Info())
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	var path string
	var pe *treefs.PathError
	if errors.As(err, &pe) {
		path = pe.Path
	}
	if status == http.StatusInternalServerError {
		h.log.Warn().Err(err).Msg("request failed")
	}
	h.sendError(w, status, err, path)
}

func (h *Handler) sendError(w http.ResponseWriter, status int, err error, path string) {
	h.sendJSON(w, status, errorResponse{Error: err.Error(), Path: path, Code: status})
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug().Err(err).Msg("failed to write response")
	}
}
