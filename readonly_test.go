package treefs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/driver/memory"
)

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t)
	ro := treefs.NewReadOnlyDirectory(root)

	file, err := ro.GetFile(ctx, []string{"dir1", "file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir1, _ := ro.GetFile(ctx, []string{"dir1"})

	tests := []struct {
		name string
		op   func() error
	}{
		{"write", func() error { _, err := file.Write(ctx, []byte("x")); return err }},
		{"rename", func() error { return file.Rename(ctx, "other") }},
		{"delete", func() error { return file.Delete(ctx) }},
		{"move", func() error { _, err := file.Move(ctx, memory.New()); return err }},
		{"add file", func() error { _, err := ro.AddFile(ctx, nil, "new", ""); return err }},
		{"add directory in child", func() error {
			_, err := dir1.(treefs.Directory).AddDirectory(ctx, "new")
			return err
		}},
		{"delete directory", func() error { return dir1.Delete(ctx) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if !errors.Is(err, treefs.ErrNotAllowed) {
				t.Fatalf("expected ErrNotAllowed, got %v", err)
			}
			var pe *treefs.PathError
			if !errors.As(err, &pe) {
				t.Errorf("expected *PathError, got %T", err)
			}
		})
	}

	t.Run("reads pass through", func(t *testing.T) {
		if text, _ := treefs.ReadText(ctx, file); text != "file content" {
			t.Errorf("unexpected content %q", text)
		}
		results, err := ro.Search(ctx, "deep")
		if err != nil || len(results) != 1 {
			t.Fatalf("unexpected search result %v, %v", results, err)
		}
		if _, ok := results[0].(*treefs.ReadOnlyFile); !ok {
			t.Errorf("search results should be read-only, got %T", results[0])
		}
	})

	t.Run("copy out is allowed", func(t *testing.T) {
		dst := memory.New()
		if _, err := file.Copy(ctx, dst); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := dst.GetFile(ctx, []string{"file"}); err != nil {
			t.Errorf("copy missing: %v", err)
		}
	})

	t.Run("backend is untouched", func(t *testing.T) {
		f, _ := root.GetFile(ctx, []string{"dir1", "file"})
		if text, _ := treefs.ReadText(ctx, f); text != "file content" {
			t.Errorf("backend modified: %q", text)
		}
	})
}

func TestReadOnlyWriteAttemptHandler(t *testing.T) {
	ctx := context.Background()
	root := memory.New()
	custom := errors.New("denied by policy")

	var attempts []string
	ro := treefs.NewReadOnlyDirectory(root, treefs.WithWriteAttemptHandler(func(op, name string) error {
		attempts = append(attempts, op+":"+name)
		if name == "allowed" {
			return nil
		}
		return custom
	}))

	if _, err := ro.AddFile(ctx, nil, "blocked", ""); !errors.Is(err, custom) {
		t.Errorf("expected handler error, got %v", err)
	}
	if _, err := ro.AddFile(ctx, nil, "allowed", ""); err != nil {
		t.Errorf("handler should let the write through, got %v", err)
	}
	if len(attempts) != 2 || attempts[0] != "addFile:blocked" {
		t.Errorf("unexpected attempts %v", attempts)
	}
}
