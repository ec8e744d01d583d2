package treefs_test

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/driver/memory"
)

func TestChangeToken(t *testing.T) {
	ctx := context.Background()

	t.Run("fires once and detaches", func(t *testing.T) {
		backend := &countingDir{Directory: memory.New()}
		token := treefs.Watch(backend)

		var calls int
		token.RegisterChangeCallback(func() { calls++ })
		if token.HasChanged() {
			t.Fatal("token fired early")
		}

		_, _ = backend.AddFile(ctx, []byte("1"), "a", "")
		_, _ = backend.AddFile(ctx, []byte("2"), "b", "")

		if !token.HasChanged() {
			t.Fatal("expected token to fire")
		}
		select {
		case <-token.Done():
		default:
			t.Error("Done channel not closed")
		}
		if calls != 1 {
			t.Errorf("expected one callback, got %d", calls)
		}
		if _, removes, _ := backend.counts(); removes != 1 {
			t.Errorf("listener not detached, removes=%d", removes)
		}
	})

	t.Run("late callback runs immediately", func(t *testing.T) {
		root := memory.New()
		token := treefs.Watch(root)
		_, _ = root.AddDirectory(ctx, "d")

		ran := false
		token.RegisterChangeCallback(func() { ran = true })
		if !ran {
			t.Error("callback registered after firing did not run")
		}
	})

	t.Run("unregistered callback does not run", func(t *testing.T) {
		root := memory.New()
		token := treefs.Watch(root)
		ran := false
		unregister := token.RegisterChangeCallback(func() { ran = true })
		unregister()
		_, _ = root.AddDirectory(ctx, "d")
		if ran {
			t.Error("unregistered callback ran")
		}
	})

	t.Run("stop without firing", func(t *testing.T) {
		root := memory.New()
		token := treefs.Watch(root)
		token.Stop()
		_, _ = root.AddDirectory(ctx, "d")
		if token.HasChanged() {
			t.Error("stopped token fired")
		}
	})
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	root := memory.New()

	var count atomic.Int32
	fired := make(chan struct{}, 10)
	cancel := treefs.OnChange(root, func() {
		count.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer cancel()

	// The watch loop arms its first token asynchronously.
	deadline := time.After(2 * time.Second)
	for i := 0; ; i++ {
		_, _ = root.AddFile(ctx, nil, "f"+strconv.Itoa(i), "")
		select {
		case <-fired:
			if count.Load() < 1 {
				t.Fatal("action not counted")
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("timeout waiting for change action")
		}
	}
}
