package treefs

import (
	"context"
	"encoding/json"
	"time"
)

// DirectoryMimeType is the mime type of every directory. A directory's content
// is the JSON listing of its children.
const DirectoryMimeType = "application/json"

// Kind discriminates leaf files from directories.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// FileInfo is a metadata snapshot of a file or directory. Its JSON encoding is
// the record format of a directory listing.
type FileInfo struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Directory    bool           `json:"directory"`
	URL          *string        `json:"url"`
	Icon         *string        `json:"icon"`
	Size         int64          `json:"size"`
	MimeType     string         `json:"mimeType"`
	LastModified time.Time      `json:"lastModified"`
	Created      time.Time      `json:"created"`
	Extra        map[string]any `json:"extra"`
}

// Kind returns the discriminant matching the Directory flag.
func (fi FileInfo) Kind() Kind {
	if fi.Directory {
		return KindDirectory
	}
	return KindFile
}

// MarshalJSON encodes a nil Extra as an empty object.
func (fi FileInfo) MarshalJSON() ([]byte, error) {
	type plain FileInfo
	if fi.Extra == nil {
		fi.Extra = map[string]any{}
	}
	return json.Marshal(plain(fi))
}

// ============================================================================
// Core Interfaces
// ============================================================================

// File is any addressable entity of a tree, leaf or directory.
//
// Every backend, proxy and virtual layer implements File. Implementations must
// be safe for concurrent use.
type File interface {
	// ID is unique among this file, its ancestors and its descendants within
	// one backend instance. Whether it survives rename/move is backend-defined.
	ID() string

	// Name is unique among the children of the parent directory.
	Name() string

	// Kind tells leaves and directories apart without type assertions.
	Kind() Kind

	// Info returns a metadata snapshot.
	Info() FileInfo

	// Read returns the current content. For directories this is the JSON
	// listing of the children's metadata.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the content and returns the bytes actually stored.
	// Directories always reject writes with ErrNotSupported.
	Write(ctx context.Context, data []byte) ([]byte, error)

	// Rename changes the name. It fails with ErrExist when a sibling already
	// has newName.
	Rename(ctx context.Context, newName string) error

	// Delete detaches the entity from its parent.
	Delete(ctx context.Context) error

	// Copy copies the entity (recursively for directories) into target and
	// returns the copy.
	Copy(ctx context.Context, target Directory) (File, error)

	// Move moves the entity into target and returns it as seen from target.
	Move(ctx context.Context, target Directory) (File, error)

	// AddOnChangeListener registers l. Listeners are identified by pointer.
	AddOnChangeListener(l *Listener)

	// RemoveOnChangeListener unregisters l.
	RemoveOnChangeListener(l *Listener)
}

// Directory is a File that contains children.
type Directory interface {
	File

	// Children lists the immediate children.
	Children(ctx context.Context) ([]File, error)

	// AddFile creates a leaf file. An empty mimeType is guessed from name and
	// data. It fails with ErrExist when a child named name already exists.
	AddFile(ctx context.Context, data []byte, name, mimeType string) (File, error)

	// AddDirectory creates a sub directory. It fails with ErrExist when a
	// child named name already exists.
	AddDirectory(ctx context.Context, name string) (Directory, error)

	// Search returns the descendants whose name matches query.
	Search(ctx context.Context, query string) ([]File, error)

	// GetFile resolves a path of names relative to this directory. An empty
	// path resolves to the directory itself.
	GetFile(ctx context.Context, path []string) (File, error)
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// CanChecksum indicates a file can hash its content without handing the
// whole content to the caller.
type CanChecksum interface {
	Checksum(ctx context.Context, algorithm ChecksumAlgorithm) (string, error)
}

// Unwrapper is implemented by transparent wrappers (proxies, caches, virtual
// directories) to expose the entity they delegate to.
type Unwrapper interface {
	Unwrap() File
}

// readOnly is implemented by layers that must not be bypassed by unwrapping.
type readOnly interface {
	IsReadOnly() bool
}

// Unwrap strips transparent wrappers from f and returns the innermost entity.
// It stops at read-only layers so that their restrictions stay in force.
func Unwrap(f File) File {
	for {
		if ro, ok := f.(readOnly); ok && ro.IsReadOnly() {
			return f
		}
		u, ok := f.(Unwrapper)
		if !ok {
			return f
		}
		inner := u.Unwrap()
		if inner == nil {
			return f
		}
		f = inner
	}
}

// UnwrapDirectory is Unwrap for directories.
func UnwrapDirectory(d Directory) Directory {
	if inner, ok := AsDirectory(Unwrap(d)); ok {
		return inner
	}
	return d
}

// AsDirectory checks the Kind discriminant and returns f as a Directory.
func AsDirectory(f File) (Directory, bool) {
	if f == nil || f.Kind() != KindDirectory {
		return nil, false
	}
	d, ok := f.(Directory)
	return d, ok
}
