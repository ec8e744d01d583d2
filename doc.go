// Package treefs provides a virtual file tree for Go: one navigable model of
// files and directories over heterogeneous storage backends, with change
// notification, caching and mounting layered on top.
//
// Every entity of a tree is a [File]; directories additionally implement
// [Directory]. Both are object handles rather than paths: a directory lists
// its children, creates new ones and resolves paths relative to itself, and
// every entity can be read, written, renamed, deleted, copied and moved.
//
// # Storage Backends
//
// Backends live in their own packages and register a driver name on import:
//
//   - In-memory (github.com/gobeaver/treefs/driver/memory)
//   - Local filesystem (github.com/gobeaver/treefs/driver/local)
//   - PostgreSQL (github.com/gobeaver/treefs/driver/postgres)
//   - Remote treefs server over HTTP (github.com/gobeaver/treefs/driver/remote)
//   - Amazon S3, append-only (github.com/gobeaver/treefs/driver/s3)
//   - SFTP (github.com/gobeaver/treefs/driver/sftp)
//   - ZIP archives, read-only (github.com/gobeaver/treefs/driver/zip)
//
// The treefs command (cmd/treefs) composes a virtual tree from a YAML mount
// file and serves it over HTTP for the remote backend.
//
// # Basic Usage
//
//	root := memory.New()
//
//	docs, err := root.AddDirectory(ctx, "docs")
//	f, err := docs.AddFile(ctx, []byte("Hello"), "hello.txt", "")
//
//	// Resolve a path relative to a directory
//	f, err = root.GetFile(ctx, treefs.SplitPath("docs/hello.txt"))
//
//	// Directories read as a JSON listing of their children
//	listing, err := root.Read(ctx)
//	infos, err := treefs.ParseListing(listing)
//
// Backends without a native implementation fall back to the generic helpers
// of this package: [WalkPath] for GetFile, [SearchTree] for Search, [CopyTo]
// and [MoveTo] for Copy and Move, and [ListingJSON] for reading directories.
//
// # Change Events
//
// Listeners registered with AddOnChangeListener are called after a change of
// the entity or, for directories, of any descendant. A listener receives the
// entity it was registered on.
//
//	l := treefs.NewListener(func(f treefs.File) {
//	    log.Printf("%s changed", f.Name())
//	})
//	root.AddOnChangeListener(l)
//	defer root.RemoveOnChangeListener(l)
//
// [Watch] and [OnChange] build single-use and repeating change tokens on top
// of listeners.
//
// # Proxy Layers
//
// Layers wrap a tree without changing its contract:
//
//   - [ProxyFile] and [ProxyDirectory] forward everything and re-dispatch the
//     wrapped tree's events
//   - [ChangeEventProxyFile] and [ChangeEventProxyDirectory] dispatch after
//     every successful mutation made through them
//   - [CachedProxyRootDirectory] caches listings and path lookups until the
//     next change anywhere in the tree
//   - [ReadOnlyDirectory] rejects every mutation with [ErrNotAllowed]
//
// # Mounting
//
// [VirtualFS] presents one tree in which any directory can be replaced by
// the root of another backend:
//
//	vfs := treefs.NewVirtualFS(memory.New())
//	point, _ := vfs.AddDirectory(ctx, "archive")
//	_ = vfs.Mount(ctx, point, s3Root)
//
//	// Paths resolve through the mount
//	f, err := vfs.GetFile(ctx, []string{"archive", "2024", "report.pdf"})
//
// Mounts can be nested, and changes in a mounted backend reach listeners on
// the virtual tree.
//
// # Configuration
//
// [New] builds a root from a [Config]; [GetConfig] loads one from
// BEAVER_TREEFS_* environment variables:
//
//	BEAVER_TREEFS_DRIVER=local
//	BEAVER_TREEFS_LOCAL_BASE_PATH=/srv/files
//	BEAVER_TREEFS_CACHE=true
//
// # Error Handling
//
// Operations return *[PathError] values wrapping the sentinel errors of this
// package, so errors.Is works as expected:
//
//	_, err := root.GetFile(ctx, []string{"missing"})
//	if treefs.IsNotExist(err) {
//	    // Handle not found
//	}
package treefs
