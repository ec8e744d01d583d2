package treefs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/driver/memory"
)

// newMountedFS returns a virtual tree whose "data" directory is replaced by
// a second backend holding report.csv.
func newMountedFS(t *testing.T) (*treefs.VirtualFS, *memory.Directory) {
	t.Helper()
	ctx := context.Background()

	vfs := treefs.NewVirtualFS(buildTree(t))
	point, err := vfs.AddDirectory(ctx, "data")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := point.AddFile(ctx, []byte("hidden"), "hidden.txt", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mounted := memory.New()
	if _, err := mounted.AddFile(ctx, []byte("a,b\n1,2\n"), "report.csv", "text/csv"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := vfs.Mount(ctx, point, mounted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = vfs.Close() })
	return vfs, mounted
}

func TestMountSubstitution(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newMountedFS(t)

	t.Run("lookup goes through the mount", func(t *testing.T) {
		f, err := vfs.GetFile(ctx, []string{"data", "report.csv"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if text, _ := treefs.ReadText(ctx, f); text != "a,b\n1,2\n" {
			t.Errorf("unexpected content %q", text)
		}
		if _, err := vfs.GetFile(ctx, []string{"data", "hidden.txt"}); !treefs.IsNotExist(err) {
			t.Errorf("mount point content should be hidden, got %v", err)
		}
	})

	t.Run("mounted root keeps the mount point identity", func(t *testing.T) {
		data, err := vfs.GetFile(ctx, []string{"data"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		root, ok := data.(*treefs.VirtualRootDirectory)
		if !ok {
			t.Fatalf("expected *VirtualRootDirectory, got %T", data)
		}
		if !root.IsMounted() || root.Name() != "data" {
			t.Errorf("unexpected mounted root %s (mounted=%v)", root.Name(), root.IsMounted())
		}
		if root.Info().Name != "data" || !root.Info().Directory {
			t.Errorf("unexpected info %+v", root.Info())
		}
	})

	t.Run("listing shows the mount", func(t *testing.T) {
		data, err := vfs.Read(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		infos, err := treefs.ParseListing(data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var found bool
		for _, info := range infos {
			if info.Name == "data" && info.Directory {
				found = true
			}
		}
		if !found {
			t.Errorf("mount point missing from listing")
		}

		mountedListing, _ := vfs.GetFile(ctx, []string{"data"})
		raw, _ := mountedListing.Read(ctx)
		infos, _ = treefs.ParseListing(raw)
		if len(infos) != 1 || infos[0].Name != "report.csv" {
			t.Errorf("mounted listing should show the mounted directory: %+v", infos)
		}
	})

	t.Run("search descends into mounts", func(t *testing.T) {
		results, err := vfs.Search(ctx, "*.csv")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results) != 1 || results[0].Name() != "report.csv" {
			t.Errorf("unexpected results %v", results)
		}
	})

	t.Run("mounted roots cannot be renamed", func(t *testing.T) {
		data, _ := vfs.GetFile(ctx, []string{"data"})
		if err := data.Rename(ctx, "other"); !treefs.IsNotSupported(err) {
			t.Errorf("expected not-supported, got %v", err)
		}
		if err := data.Delete(ctx); !treefs.IsNotSupported(err) {
			t.Errorf("expected not-supported, got %v", err)
		}
	})
}

func TestMountErrors(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newMountedFS(t)
	point, _ := vfs.GetFile(ctx, []string{"data"})

	if err := vfs.Mount(ctx, point, memory.New()); !errors.Is(err, treefs.ErrMountExists) {
		t.Errorf("expected ErrMountExists, got %v", err)
	}
	dir2, _ := vfs.GetFile(ctx, []string{"dir2"})
	if err := vfs.Mount(ctx, dir2, nil); !errors.Is(err, treefs.ErrNilDirectory) {
		t.Errorf("expected ErrNilDirectory, got %v", err)
	}
	if err := vfs.UnmountAt(ctx, dir2); !errors.Is(err, treefs.ErrMountNotFound) {
		t.Errorf("expected ErrMountNotFound, got %v", err)
	}
	if err := vfs.Unmount(ctx); !treefs.IsNotSupported(err) {
		t.Errorf("top of the tree cannot be unmounted, got %v", err)
	}
}

func TestNestedMounts(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newMountedFS(t)

	data, _ := vfs.GetFile(ctx, []string{"data"})
	mountedRoot := data.(*treefs.VirtualRootDirectory)
	inner, err := mountedRoot.AddDirectory(ctx, "inner")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	third := memory.New()
	_, _ = third.AddFile(ctx, []byte("nested"), "deepest.txt", "")
	if err := mountedRoot.Mount(ctx, inner, third); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := vfs.GetFile(ctx, []string{"data", "inner", "deepest.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text, _ := treefs.ReadText(ctx, f); text != "nested" {
		t.Errorf("unexpected content %q", text)
	}
	if n := len(vfs.Snapshot()); n != 2 {
		t.Errorf("expected 2 mounts in snapshot, got %d", n)
	}
	if n := len(vfs.Mounts()); n != 1 {
		t.Errorf("expected 1 top-level mount, got %d", n)
	}

	// Unmounting data drops the nested mount with it.
	if err := mountedRoot.Unmount(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(vfs.Snapshot()); n != 0 {
		t.Errorf("expected empty snapshot, got %d", n)
	}
	hidden, err := vfs.GetFile(ctx, []string{"data", "hidden.txt"})
	if err != nil {
		t.Fatalf("mount point content should be visible again: %v", err)
	}
	if text, _ := treefs.ReadText(ctx, hidden); text != "hidden" {
		t.Errorf("unexpected content %q", text)
	}
}

func TestMountEvents(t *testing.T) {
	ctx := context.Background()
	vfs, mounted := newMountedFS(t)
	rec := newRecorder()
	vfs.AddOnChangeListener(rec.l)
	defer vfs.RemoveOnChangeListener(rec.l)

	t.Run("changes in a mounted backend reach the top", func(t *testing.T) {
		before := rec.count()
		if _, err := mounted.AddFile(ctx, []byte("x"), "late.txt", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.count() <= before {
			t.Fatal("expected event on the virtual tree")
		}
		if rec.last() != treefs.File(vfs) {
			t.Errorf("event should be delivered as the virtual tree")
		}
	})

	t.Run("mount and unmount dispatch", func(t *testing.T) {
		dir2, _ := vfs.GetFile(ctx, []string{"dir2"})
		before := rec.count()
		if err := vfs.Mount(ctx, dir2, memory.New()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.count() != before+1 {
			t.Errorf("expected one event for mount, got %d", rec.count()-before)
		}
		if err := vfs.UnmountAt(ctx, dir2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.count() != before+2 {
			t.Errorf("expected one event for unmount, got %d", rec.count()-before-1)
		}
	})
}

// newDeepMount returns a virtual tree over under/a/m with a second backend
// mounted at under/a/m.
func newDeepMount(t *testing.T) (*treefs.VirtualFS, *memory.Directory) {
	t.Helper()
	ctx := context.Background()

	base := memory.New()
	under, _ := base.AddDirectory(ctx, "under")
	a, _ := under.AddDirectory(ctx, "a")
	if _, err := a.AddDirectory(ctx, "m"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vfs := treefs.NewVirtualFS(base)
	t.Cleanup(func() { _ = vfs.Close() })
	va, err := vfs.GetFile(ctx, []string{"under", "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	point, err := va.(*treefs.VirtualDirectory).GetFile(ctx, []string{"m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mounted := memory.New()
	if err := va.(*treefs.VirtualDirectory).Mount(ctx, point, mounted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return vfs, mounted
}

func TestMountedChangesBubble(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		change func(t *testing.T, vfs *treefs.VirtualFS, mounted *memory.Directory)
		// listened paths and the events each must receive
		want map[string]int
	}{
		{
			name: "change in the mounted backend",
			change: func(t *testing.T, _ *treefs.VirtualFS, mounted *memory.Directory) {
				if _, err := mounted.AddFile(ctx, []byte("y"), "Y", ""); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			},
			want: map[string]int{"": 1, "under": 1, "under/a": 1, "under/a/m": 1},
		},
		{
			name: "change in a nested mount",
			change: func(t *testing.T, vfs *treefs.VirtualFS, mounted *memory.Directory) {
				if _, err := mounted.AddDirectory(ctx, "x"); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				m, _ := vfs.GetFile(ctx, []string{"under", "a", "m"})
				x, err := m.(treefs.Directory).GetFile(ctx, []string{"x"})
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				nested := memory.New()
				if err := m.(*treefs.VirtualRootDirectory).Mount(ctx, x, nested); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if _, err := nested.AddFile(ctx, []byte("z"), "Z", ""); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			},
			// the AddDirectory, the mount and the nested change
			want: map[string]int{"": 3, "under/a": 3, "under/a/m": 3},
		},
		{
			name: "mount below a listened directory",
			change: func(t *testing.T, vfs *treefs.VirtualFS, _ *memory.Directory) {
				m, _ := vfs.GetFile(ctx, []string{"under", "a", "m"})
				dir, err := m.(treefs.Directory).AddDirectory(ctx, "late")
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if err := m.(*treefs.VirtualRootDirectory).Mount(ctx, dir, memory.New()); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			},
			// the AddDirectory and the mount
			want: map[string]int{"": 2, "under": 2, "under/a/m": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vfs, mounted := newDeepMount(t)

			recorders := map[string]*recorder{}
			for path := range tt.want {
				var f treefs.File = vfs
				if path != "" {
					var err error
					if f, err = vfs.GetFile(ctx, treefs.SplitPath(path)); err != nil {
						t.Fatalf("unexpected error: %v", err)
					}
				}
				rec := newRecorder()
				f.AddOnChangeListener(rec.l)
				defer f.RemoveOnChangeListener(rec.l)
				recorders[path] = rec
			}

			tt.change(t, vfs, mounted)

			for path, want := range tt.want {
				if got := recorders[path].count(); got != want {
					t.Errorf("listener on %q fired %d times, want %d", path, got, want)
				}
			}
		})
	}

	t.Run("removed listeners stay silent", func(t *testing.T) {
		vfs, mounted := newDeepMount(t)
		a, _ := vfs.GetFile(ctx, []string{"under", "a"})
		rec := newRecorder()
		a.AddOnChangeListener(rec.l)
		a.RemoveOnChangeListener(rec.l)

		if _, err := mounted.AddFile(ctx, []byte("y"), "Y", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.count() != 0 {
			t.Errorf("expected no events after removal, got %d", rec.count())
		}
	})
}
