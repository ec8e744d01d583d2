package treefs_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/driver/memory"
)

func ExampleVirtualFS() {
	ctx := context.Background()

	// Build a virtual tree and mount a second backend at /cloud
	vfs := treefs.NewVirtualFS(memory.New())
	defer vfs.Close()

	cloud := memory.New() // Using memory for example; use s3 or sftp in production
	_, _ = cloud.AddFile(ctx, []byte("cloud content"), "file.txt", "")

	point, _ := vfs.AddDirectory(ctx, "cloud")
	_ = vfs.Mount(ctx, point, cloud)

	// Paths resolve through the mount transparently
	f, _ := vfs.GetFile(ctx, treefs.SplitPath("/cloud/file.txt"))
	text, _ := treefs.ReadText(ctx, f)
	fmt.Println(text)
	// Output:
	// cloud content
}

func ExampleCopyTo() {
	ctx := context.Background()

	source := memory.New()
	dest := memory.New()
	_, _ = source.AddFile(ctx, []byte("important data"), "data.txt", "")

	// Copy across backends (read from source, add to dest)
	f, _ := source.GetFile(ctx, []string{"data.txt"})
	if _, err := f.Copy(ctx, dest); err != nil {
		fmt.Println("Error:", err)
		return
	}

	copied, _ := dest.GetFile(ctx, []string{"data.txt"})
	text, _ := treefs.ReadText(ctx, copied)
	fmt.Println(text)
	// Output:
	// important data
}

func ExampleSelect() {
	ctx := context.Background()
	root := memory.New()

	_, _ = root.AddFile(ctx, []byte("text"), "doc.txt", "")
	_, _ = root.AddFile(ctx, []byte("jpeg"), "image.jpg", "")
	photos, _ := root.AddDirectory(ctx, "photos")
	_, _ = photos.AddFile(ctx, []byte("jpeg"), "photo.jpg", "")

	// Select only .jpg files
	files, _ := treefs.Select(ctx, root, treefs.Glob("*.jpg"))
	for _, f := range files {
		fmt.Println(f.Name())
	}
	// Output:
	// image.jpg
	// photo.jpg
}

func ExampleAnd() {
	ctx := context.Background()
	root := memory.New()

	_, _ = root.AddFile(ctx, []byte("hi"), "small.txt", "")
	_, _ = root.AddFile(ctx, []byte(strings.Repeat("x", 1000)), "large.txt", "")
	_, _ = root.AddFile(ctx, []byte("img"), "small.jpg", "")

	// Combine selectors: .txt files under 100 bytes
	selector := treefs.And(
		treefs.Glob("*.txt"),
		treefs.FuncSelector(func(f treefs.File) bool {
			return f.Info().Size < 100
		}),
	)

	files, _ := treefs.Select(ctx, root, selector)
	for _, f := range files {
		fmt.Printf("%s (%d bytes)\n", f.Name(), f.Info().Size)
	}
	// Output:
	// small.txt (2 bytes)
}

func ExampleOr() {
	ctx := context.Background()
	root := memory.New()

	_, _ = root.AddFile(ctx, []byte("text"), "readme.txt", "")
	_, _ = root.AddFile(ctx, []byte("{}"), "config.json", "")
	_, _ = root.AddFile(ctx, []byte("png"), "image.png", "")

	// Match .txt OR .json files
	files, _ := treefs.Select(ctx, root, treefs.Or(
		treefs.Glob("*.txt"),
		treefs.Glob("*.json"),
	))
	for _, f := range files {
		fmt.Println(f.Name())
	}
	// Output:
	// config.json
	// readme.txt
}

func ExampleNot() {
	ctx := context.Background()
	root := memory.New()

	_, _ = root.AddFile(ctx, []byte("keep"), "keep.txt", "")
	_, _ = root.AddFile(ctx, []byte("temp"), "temp.tmp", "")
	_, _ = root.AddFile(ctx, []byte("data"), "data.txt", "")

	// Match all files EXCEPT .tmp files
	files, _ := treefs.Select(ctx, root, treefs.And(
		treefs.FilesOnly(),
		treefs.Not(treefs.Glob("*.tmp")),
	))
	for _, f := range files {
		fmt.Println(f.Name())
	}
	// Output:
	// data.txt
	// keep.txt
}

func ExampleDepth() {
	ctx := context.Background()
	root := memory.New()

	a, _ := root.AddDirectory(ctx, "a")
	b, _ := a.AddDirectory(ctx, "b")
	_, _ = b.AddFile(ctx, nil, "too-deep.txt", "")
	_, _ = a.AddFile(ctx, nil, "shallow.txt", "")

	files, _ := treefs.Select(ctx, root, treefs.Depth(2))
	for _, f := range files {
		fmt.Println(f.Name())
	}
	// Output:
	// a
	// b
	// shallow.txt
}

func ExampleIsNotExist() {
	ctx := context.Background()
	root := memory.New()

	// Try to resolve a non-existent file
	_, err := root.GetFile(ctx, []string{"nonexistent.txt"})

	if treefs.IsNotExist(err) {
		fmt.Println("File does not exist")
	}
	fmt.Println(err)
	// Output:
	// File does not exist
	// getFile nonexistent.txt: file does not exist
}

func ExampleNewReadOnlyDirectory() {
	ctx := context.Background()
	root := memory.New()

	// Write some initial data
	_, _ = root.AddFile(ctx, []byte(`{"setting": "value"}`), "config.json", "")

	// Wrap with read-only protection
	readOnly := treefs.NewReadOnlyDirectory(root)

	// Reading works
	f, _ := readOnly.GetFile(ctx, []string{"config.json"})
	text, _ := treefs.ReadText(ctx, f)
	fmt.Println("Read:", text)

	// Writing is blocked
	_, err := readOnly.AddFile(ctx, []byte("data"), "new.txt", "")
	if treefs.IsNotAllowed(err) {
		fmt.Println("Write blocked: tree is read-only")
	}
	// Output:
	// Read: {"setting": "value"}
	// Write blocked: tree is read-only
}

func ExampleChecksum() {
	ctx := context.Background()
	root := memory.New()

	f, _ := root.AddFile(ctx, []byte("Hello, World!"), "data.txt", "")

	hash, _ := treefs.Checksum(ctx, f, treefs.ChecksumSHA256)
	fmt.Println("SHA256:", hash)

	// Calculate multiple checksums in one pass
	hashes, _ := treefs.CalculateChecksums(strings.NewReader("Hello, World!"), []treefs.ChecksumAlgorithm{
		treefs.ChecksumMD5,
		treefs.ChecksumCRC32,
	})
	fmt.Println("MD5:", hashes[treefs.ChecksumMD5])
	fmt.Println("CRC32:", hashes[treefs.ChecksumCRC32])
	// Output:
	// SHA256: dffd6021bb2bd5b0af676290809ec3a53191dd81c7f70a4b28688a362182986f
	// MD5: 65a8e27d8879283831b664bd8b7f0ad4
	// CRC32: ec4ac3d0
}

func ExampleWatch() {
	ctx := context.Background()
	root := memory.New()
	config, _ := root.AddFile(ctx, []byte(`{"version": 1}`), "config.json", "")

	token := treefs.Watch(config)
	token.RegisterChangeCallback(func() {
		fmt.Println("Config changed!")
	})

	// Listeners of the memory backend run synchronously
	_, _ = config.Write(ctx, []byte(`{"version": 2}`))
	fmt.Println("Has changed:", token.HasChanged())
	// Output:
	// Config changed!
	// Has changed: true
}

func ExampleNewCachedProxyRootDirectory() {
	ctx := context.Background()
	backend := memory.New()
	_, _ = backend.AddDirectory(ctx, "docs")

	cached := treefs.NewCachedProxyRootDirectory(backend)
	defer cached.Release()

	a, _ := cached.GetFile(ctx, []string{"docs"})
	b, _ := cached.GetFile(ctx, []string{"docs"})
	fmt.Println("Same wrapper:", a == b)

	// Changes made directly on the backend invalidate the caches
	_, _ = backend.AddFile(ctx, []byte("x"), "new.txt", "")
	children, _ := cached.Children(ctx)
	fmt.Println("Children:", len(children))
	// Output:
	// Same wrapper: true
	// Children: 2
}
