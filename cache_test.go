package treefs_test

import (
	"context"
	"slices"
	"testing"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/driver/memory"
)

func TestCachedChildren(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t)
	backend := &countingDir{Directory: root}
	cached := treefs.NewCachedProxyRootDirectory(backend)
	defer cached.Release()

	first, err := cached.Children(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cached.Children(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, calls := backend.counts(); calls != 1 {
		t.Fatalf("expected one backend listing, got %d", calls)
	}
	if !slices.Equal(first, second) {
		t.Errorf("cached listing returned different wrappers")
	}

	// A change made directly on the backend invalidates the cache.
	if _, err := root.AddFile(ctx, []byte("new"), "added.txt", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	third, err := cached.Children(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, calls := backend.counts(); calls != 2 {
		t.Errorf("expected refetch after change, got %d listings", calls)
	}
	if len(third) != len(first)+1 {
		t.Errorf("expected %d children, got %d", len(first)+1, len(third))
	}
}

func TestCachedWrapperReuse(t *testing.T) {
	ctx := context.Background()
	cached := treefs.NewCachedProxyRootDirectory(buildTree(t))
	defer cached.Release()

	a, err := cached.GetFile(ctx, []string{"dir1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := cached.GetFile(ctx, []string{"dir1"})
	if a != b {
		t.Errorf("repeated lookups returned different wrappers")
	}

	children, _ := cached.Children(ctx)
	if children[0] != a {
		t.Errorf("listing and lookup disagree on the wrapper of dir1")
	}

	deep1, err := a.(treefs.Directory).GetFile(ctx, []string{"sub", "deep.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deep2, _ := cached.GetFile(ctx, []string{"dir1", "sub", "deep.txt"})
	if deep1 != deep2 {
		t.Errorf("relative and absolute lookups returned different wrappers")
	}
	if got := deep1.(*treefs.CachedProxyFile).Path(); !slices.Equal(got, []string{"dir1", "sub", "deep.txt"}) {
		t.Errorf("unexpected path %v", got)
	}

	results, err := cached.Search(ctx, "deep")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0] != deep1 {
		t.Errorf("search should return the registered wrapper")
	}
}

func TestCachedMutations(t *testing.T) {
	ctx := context.Background()

	t.Run("rename through the tree", func(t *testing.T) {
		cached := treefs.NewCachedProxyRootDirectory(buildTree(t))
		defer cached.Release()

		f, _ := cached.GetFile(ctx, []string{"dir1", "file"})
		if err := f.Rename(ctx, "renamed"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := cached.GetFile(ctx, []string{"dir1", "file"}); !treefs.IsNotExist(err) {
			t.Errorf("stale path still resolves: %v", err)
		}
		g, err := cached.GetFile(ctx, []string{"dir1", "renamed"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if g.ID() != f.ID() {
			t.Errorf("renamed entity has a different id")
		}
		if got := f.(*treefs.CachedProxyFile).Path(); got[len(got)-1] != "renamed" {
			t.Errorf("wrapper path not updated: %v", got)
		}
	})

	t.Run("add through a cached directory", func(t *testing.T) {
		cached := treefs.NewCachedProxyRootDirectory(buildTree(t))
		defer cached.Release()

		dir2, _ := cached.GetFile(ctx, []string{"dir2"})
		before, _ := dir2.(treefs.Directory).Children(ctx)
		if _, err := dir2.(treefs.Directory).AddFile(ctx, []byte("x"), "x", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		after, _ := dir2.(treefs.Directory).Children(ctx)
		if len(after) != len(before)+1 {
			t.Errorf("cached listing not refreshed: %d -> %d", len(before), len(after))
		}
	})

	t.Run("listener on a cached child sees backend changes", func(t *testing.T) {
		backend := buildTree(t)
		cached := treefs.NewCachedProxyRootDirectory(backend)
		defer cached.Release()

		dir1, _ := cached.GetFile(ctx, []string{"dir1"})
		rec := newRecorder()
		dir1.AddOnChangeListener(rec.l)
		defer dir1.RemoveOnChangeListener(rec.l)

		deep, _ := backend.GetFile(ctx, []string{"dir1", "sub", "deep.txt"})
		if _, err := deep.Write(ctx, []byte("changed")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.count() == 0 {
			t.Fatal("expected change event on dir1 wrapper")
		}
		if rec.last() != dir1 {
			t.Errorf("event should be delivered as the cached wrapper")
		}
	})
}

func TestCachedRelease(t *testing.T) {
	backend := &countingDir{Directory: memory.New()}
	cached := treefs.NewCachedProxyRootDirectory(backend)
	if adds, _, _ := backend.counts(); adds != 1 {
		t.Fatalf("cached root should subscribe on creation, got %d", adds)
	}
	cached.Release()
	if _, removes, _ := backend.counts(); removes != 1 {
		t.Errorf("Release should unsubscribe, got %d", removes)
	}
}

func TestNewWrappers(t *testing.T) {
	root, err := treefs.New(&treefs.Config{Driver: "memory", Cache: true, ReadOnly: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cached, ok := root.(*treefs.CachedProxyRootDirectory)
	if !ok {
		t.Fatalf("expected cached root, got %T", root)
	}
	if _, ok := cached.Unwrap().(*treefs.ReadOnlyDirectory); !ok {
		t.Errorf("expected read-only layer below the cache, got %T", cached.Unwrap())
	}
	if _, err := root.AddDirectory(context.Background(), "x"); !treefs.IsNotAllowed(err) {
		t.Errorf("expected not-allowed error, got %v", err)
	}
}

func TestCachedRelocatedAncestor(t *testing.T) {
	ctx := context.Background()
	oldPath := []string{"dir1", "sub", "deep.txt"}

	tests := []struct {
		name     string
		relocate func(t *testing.T, cached *treefs.CachedProxyRootDirectory, dir1 treefs.File)
		newPath  []string // nil when the entity is gone
	}{
		{
			name: "rename",
			relocate: func(t *testing.T, _ *treefs.CachedProxyRootDirectory, dir1 treefs.File) {
				if err := dir1.Rename(ctx, "renamed"); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			},
			newPath: []string{"renamed", "sub", "deep.txt"},
		},
		{
			name: "move",
			relocate: func(t *testing.T, cached *treefs.CachedProxyRootDirectory, dir1 treefs.File) {
				dir2, err := cached.GetFile(ctx, []string{"dir2"})
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if _, err := dir1.Move(ctx, dir2.(treefs.Directory)); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			},
			newPath: []string{"dir2", "dir1", "sub", "deep.txt"},
		},
		{
			name: "delete",
			relocate: func(t *testing.T, _ *treefs.CachedProxyRootDirectory, dir1 treefs.File) {
				if err := dir1.Delete(ctx); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cached := treefs.NewCachedProxyRootDirectory(buildTree(t))
			defer cached.Release()

			dir1, err := cached.GetFile(ctx, []string{"dir1"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			held, err := cached.GetFile(ctx, []string{"dir1", "sub"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			tt.relocate(t, cached, dir1)

			// the held wrapper still reaches its entity but must not
			// register it under the old path
			sub := held.(treefs.Directory)
			_, _ = sub.Children(ctx)
			deep, err := sub.GetFile(ctx, []string{"deep.txt"})
			if tt.newPath != nil && err != nil {
				t.Fatalf("held wrapper lookup failed: %v", err)
			}

			if _, err := cached.GetFile(ctx, oldPath); !treefs.IsNotExist(err) {
				t.Errorf("old path %v still resolves: %v", oldPath, err)
			}
			if tt.newPath == nil {
				return
			}

			f, err := cached.GetFile(ctx, tt.newPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.ID() != deep.ID() {
				t.Errorf("new path resolves to %s, want %s", f.ID(), deep.ID())
			}
			if got := f.(*treefs.CachedProxyFile).Path(); !slices.Equal(got, tt.newPath) {
				t.Errorf("unexpected path %v", got)
			}
			again, _ := cached.GetFile(ctx, tt.newPath)
			if again != f {
				t.Errorf("lookups at the new path should share a wrapper")
			}
		})
	}
}
