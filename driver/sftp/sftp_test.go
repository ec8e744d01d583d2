package sftp

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/driver/memory"
)

// connect serves an in-memory SFTP server over a pipe and returns a client.
func connect(t *testing.T) *sftp.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

// newTree creates dir1/{file.txt, sub/deep.txt}, dir2/ and readme.md below
// /data on a fresh server.
func newTree(t *testing.T) (*Directory, *sftp.Client) {
	t.Helper()
	ctx := context.Background()
	client := connect(t)

	root, err := New(client, "/data")
	require.NoError(t, err)

	dir1, err := root.AddDirectory(ctx, "dir1")
	require.NoError(t, err)
	_, err = dir1.AddFile(ctx, []byte("file content"), "file.txt", "")
	require.NoError(t, err)
	sub, err := dir1.AddDirectory(ctx, "sub")
	require.NoError(t, err)
	_, err = sub.AddFile(ctx, []byte("deep"), "deep.txt", "")
	require.NoError(t, err)
	_, err = root.AddDirectory(ctx, "dir2")
	require.NoError(t, err)
	_, err = root.AddFile(ctx, []byte("# readme"), "readme.md", "")
	require.NoError(t, err)

	return root, client
}

func get(t *testing.T, dir treefs.Directory, path string) treefs.File {
	t.Helper()
	f, err := dir.GetFile(context.Background(), treefs.SplitPath(path))
	require.NoError(t, err)
	return f
}

func getDir(t *testing.T, dir treefs.Directory, path string) treefs.Directory {
	t.Helper()
	d, ok := treefs.AsDirectory(get(t, dir, path))
	require.True(t, ok, "%s is not a directory", path)
	return d
}

func readRemote(t *testing.T, client *sftp.Client, name string) string {
	t.Helper()
	f, err := client.Open(name)
	require.NoError(t, err)
	defer f.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(f)
	require.NoError(t, err)
	return buf.String()
}

func TestNew(t *testing.T) {
	client := connect(t)
	root, err := New(client, "nested/base/")
	require.NoError(t, err)

	st, err := client.Stat("/nested/base")
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	assert.Equal(t, "/nested/base", root.BasePath())
	assert.Equal(t, "/", root.ID())
	assert.Equal(t, treefs.KindDirectory, root.Kind())
}

func TestChildren(t *testing.T) {
	root, _ := newTree(t)
	children, err := root.Children(context.Background())
	require.NoError(t, err)

	var names []string
	for _, c := range children {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"dir1", "dir2", "readme.md"}, names)
	assert.Equal(t, treefs.KindDirectory, children[0].Kind())
	assert.Equal(t, treefs.KindFile, children[2].Kind())

	info := children[2].Info()
	assert.Equal(t, "/readme.md", info.ID)
	assert.Equal(t, int64(8), info.Size)
}

func TestGetFile(t *testing.T) {
	ctx := context.Background()
	root, _ := newTree(t)

	t.Run("resolves", func(t *testing.T) {
		f := get(t, root, "dir1/sub/deep.txt")
		assert.Equal(t, "/dir1/sub/deep.txt", f.ID())

		self, err := root.GetFile(ctx, nil)
		require.NoError(t, err)
		assert.Same(t, root, self)
	})

	t.Run("fails where WalkPath fails", func(t *testing.T) {
		for _, path := range [][]string{
			{"missing"},
			{"dir1", "missing", "deeper"},
			{"readme.md", "child"},
			{"..", "etc"},
			{"dir1", ".", "file.txt"},
		} {
			_, nativeErr := root.GetFile(ctx, path)
			_, walkErr := treefs.WalkPath(ctx, root, path)
			require.Error(t, walkErr, "path %v", path)
			assert.ErrorIs(t, nativeErr, treefs.ErrNotExist, "path %v", path)
			assert.Equal(t, walkErr.Error(), nativeErr.Error(), "path %v", path)
		}
	})
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	root, client := newTree(t)

	f := get(t, root, "dir1/file.txt")
	stored, err := f.Write(ctx, []byte("updated"))
	require.NoError(t, err)
	assert.Equal(t, "updated", string(stored))
	assert.Equal(t, "updated", readRemote(t, client, "/data/dir1/file.txt"))

	text, err := treefs.ReadText(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "updated", text)

	_, err = root.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, treefs.ErrNotSupported)
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	root, _ := newTree(t)

	_, err := root.AddFile(ctx, nil, "readme.md", "")
	assert.ErrorIs(t, err, treefs.ErrExist)
	_, err = root.AddDirectory(ctx, "dir1")
	assert.ErrorIs(t, err, treefs.ErrExist)
	_, err = root.AddFile(ctx, nil, "a/b", "")
	assert.ErrorIs(t, err, treefs.ErrInvalidName)

	f, err := root.AddFile(ctx, []byte(`{"a":1}`), "data.json", "")
	require.NoError(t, err)
	assert.Equal(t, "application/json", f.Info().MimeType)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	root, client := newTree(t)

	f := get(t, root, "dir1/file.txt")
	var events int
	f.AddOnChangeListener(treefs.NewListener(func(treefs.File) { events++ }))

	require.NoError(t, f.Rename(ctx, "renamed.txt"))
	assert.Equal(t, "/dir1/renamed.txt", f.ID())
	assert.Equal(t, 1, events)
	assert.Equal(t, "file content", readRemote(t, client, "/data/dir1/renamed.txt"))

	// the listener follows the entity
	_, err := f.Write(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 2, events)

	assert.ErrorIs(t, f.Rename(ctx, "sub"), treefs.ErrExist)
	assert.ErrorIs(t, root.Rename(ctx, "x"), treefs.ErrNotSupported)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	root, client := newTree(t)

	dir1 := getDir(t, root, "dir1")
	require.NoError(t, dir1.Delete(ctx))
	_, err := client.Stat("/data/dir1")
	assert.Error(t, err)

	_, err = dir1.Children(ctx)
	assert.ErrorIs(t, err, treefs.ErrDetached)
	assert.ErrorIs(t, root.Delete(ctx), treefs.ErrNotSupported)
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	root, client := newTree(t)

	f := get(t, root, "dir1/sub/deep.txt")
	dir2 := getDir(t, root, "dir2")

	moved, err := f.Move(ctx, dir2)
	require.NoError(t, err)
	assert.Same(t, f, moved)
	assert.Equal(t, "/dir2/deep.txt", f.ID())
	assert.Equal(t, "deep", readRemote(t, client, "/data/dir2/deep.txt"))

	same, err := f.Move(ctx, dir2)
	require.NoError(t, err)
	assert.Same(t, f, same)

	_, err = getDir(t, root, "dir1").Move(ctx, getDir(t, root, "dir1/sub"))
	assert.ErrorIs(t, err, treefs.ErrNotSupported)

	_, err = get(t, root, "readme.md").Move(ctx, root)
	require.NoError(t, err)

	// other backends go through MoveTo
	target := memory.New()
	out, err := get(t, root, "readme.md").Move(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "readme.md", out.Name())
	_, err = client.Stat("/data/readme.md")
	assert.Error(t, err)
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	root, client := newTree(t)

	copied, err := getDir(t, root, "dir1").Copy(ctx, getDir(t, root, "dir2"))
	require.NoError(t, err)
	assert.Equal(t, "/dir2/dir1", copied.ID())
	assert.Equal(t, "deep", readRemote(t, client, "/data/dir2/dir1/sub/deep.txt"))

	// into its own subtree
	_, err = getDir(t, root, "dir1").Copy(ctx, getDir(t, root, "dir1/sub"))
	require.NoError(t, err)
	assert.Equal(t, "file content", readRemote(t, client, "/data/dir1/sub/dir1/file.txt"))
	_, err = client.Stat("/data/dir1/sub/dir1/sub/dir1")
	assert.Error(t, err)

	_, err = get(t, root, "readme.md").Copy(ctx, getDir(t, root, "dir2"))
	require.NoError(t, err)
	_, err = get(t, root, "readme.md").Copy(ctx, getDir(t, root, "dir2"))
	assert.ErrorIs(t, err, treefs.ErrExist)
}

func TestSearch(t *testing.T) {
	root, _ := newTree(t)
	found, err := root.Search(context.Background(), "*.txt")
	require.NoError(t, err)

	var ids []string
	for _, f := range found {
		ids = append(ids, f.ID())
	}
	assert.ElementsMatch(t, []string{"/dir1/file.txt", "/dir1/sub/deep.txt"}, ids)
}

func TestChecksum(t *testing.T) {
	ctx := context.Background()
	root, _ := newTree(t)

	native, err := get(t, root, "dir1/file.txt").(treefs.CanChecksum).Checksum(ctx, treefs.ChecksumSHA1)
	require.NoError(t, err)
	generic, err := treefs.CalculateChecksum(bytes.NewReader([]byte("file content")), treefs.ChecksumSHA1)
	require.NoError(t, err)
	assert.Equal(t, generic, native)
}

func TestRegisteredDriver(t *testing.T) {
	_, err := treefs.CreateDriver(&treefs.Config{Driver: "sftp"})
	assert.ErrorContains(t, err, "SFTP host is required")

	_, err = treefs.New(&treefs.Config{Driver: "sftp", SFTPHost: "example.org"})
	assert.ErrorContains(t, err, "host and username are required")

	_, err = Dial(Config{Host: "127.0.0.1"})
	assert.ErrorContains(t, err, "no authentication method")
}
