package treefs_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/driver/memory"
)

// buildTree creates the tree used across the package tests:
//
//	dir1/
//	  file
//	  sub/
//	    deep.txt
//	dir2/
//	readme.md
func buildTree(t testing.TB) *memory.Directory {
	t.Helper()
	ctx := context.Background()

	root := memory.New()
	dir1, err := root.AddDirectory(ctx, "dir1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := dir1.AddFile(ctx, []byte("file content"), "file", "text/plain"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub, err := dir1.AddDirectory(ctx, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sub.AddFile(ctx, []byte("deep"), "deep.txt", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := root.AddDirectory(ctx, "dir2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := root.AddFile(ctx, []byte("# readme"), "readme.md", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return root
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: []string{}},
		{in: "/", want: []string{}},
		{in: "a", want: []string{"a"}},
		{in: "/a//b/", want: []string{"a", "b"}},
		{in: "./a/./b", want: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := treefs.SplitPath(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Errorf("SplitPath(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	if got := treefs.JoinPath(treefs.SplitPath("/dir1/sub/deep.txt")); got != "dir1/sub/deep.txt" {
		t.Errorf("JoinPath(SplitPath(...)) = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"a", "a.txt", "..a", "with space"} {
		if err := treefs.ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) unexpected error: %v", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		if err := treefs.ValidateName(name); !errors.Is(err, treefs.ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestWalkPath(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t)

	t.Run("empty path resolves to the directory", func(t *testing.T) {
		f, err := treefs.WalkPath(ctx, root, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.ID() != root.ID() {
			t.Errorf("expected root")
		}
	})

	t.Run("resolves nested file", func(t *testing.T) {
		f, err := treefs.WalkPath(ctx, root, []string{"dir1", "file"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		text, _ := treefs.ReadText(ctx, f)
		if text != "file content" {
			t.Errorf("unexpected content %q", text)
		}
	})

	t.Run("missing segment", func(t *testing.T) {
		_, err := treefs.WalkPath(ctx, root, []string{"dir1", "nope", "deeper"})
		var pe *treefs.PathError
		if !errors.As(err, &pe) {
			t.Fatalf("expected *PathError, got %v", err)
		}
		if !treefs.IsNotExist(err) {
			t.Errorf("expected not-exist error, got %v", err)
		}
		if pe.Path != "dir1/nope" {
			t.Errorf("expected failure at dir1/nope, got %s", pe.Path)
		}
	})

	t.Run("file in the middle of the path", func(t *testing.T) {
		_, err := treefs.WalkPath(ctx, root, []string{"readme.md", "x"})
		if !errors.Is(err, treefs.ErrNotExist) {
			t.Fatalf("expected ErrNotExist, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := treefs.WalkPath(cctx, root, []string{"dir1"}); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t)

	t.Run("visits parents before children", func(t *testing.T) {
		var visited []string
		err := treefs.Walk(ctx, root, func(path []string, _ treefs.File) error {
			visited = append(visited, treefs.JoinPath(path))
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []string{"dir1", "dir1/file", "dir1/sub", "dir1/sub/deep.txt", "dir2", "readme.md"}
		if !slices.Equal(visited, want) {
			t.Errorf("got %v, want %v", visited, want)
		}
	})

	t.Run("SkipDir skips descendants", func(t *testing.T) {
		var visited []string
		err := treefs.Walk(ctx, root, func(path []string, f treefs.File) error {
			visited = append(visited, treefs.JoinPath(path))
			if f.Name() == "dir1" {
				return treefs.SkipDir
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if slices.Contains(visited, "dir1/file") {
			t.Errorf("descendants of dir1 were visited: %v", visited)
		}
	})

	t.Run("stops on error", func(t *testing.T) {
		stop := errors.New("stop")
		calls := 0
		err := treefs.Walk(ctx, root, func([]string, treefs.File) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Errorf("expected single call and stop error, got %d calls, %v", calls, err)
		}
	})
}
