package treefs

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
)

// stubDir is the smallest Directory a driver factory can return.
type stubDir struct {
	name string
}

func (d *stubDir) ID() string     { return "stub:" + d.name }
func (d *stubDir) Name() string   { return d.name }
func (d *stubDir) Kind() Kind     { return KindDirectory }
func (d *stubDir) Info() FileInfo { return DirectoryInfo(d.ID(), d.name) }

func (d *stubDir) Read(ctx context.Context) ([]byte, error) { return ListingJSON(ctx, d) }
func (d *stubDir) Write(context.Context, []byte) ([]byte, error) {
	return nil, NewPathError("write", d.name, ErrNotSupported)
}
func (d *stubDir) Rename(context.Context, string) error { return ErrNotSupported }
func (d *stubDir) Delete(context.Context) error         { return ErrNotSupported }
func (d *stubDir) Copy(ctx context.Context, target Directory) (File, error) {
	return CopyTo(ctx, d, target)
}
func (d *stubDir) Move(context.Context, Directory) (File, error) { return nil, ErrNotSupported }
func (d *stubDir) AddOnChangeListener(*Listener)                 {}
func (d *stubDir) RemoveOnChangeListener(*Listener)              {}
func (d *stubDir) Children(context.Context) ([]File, error)      { return nil, nil }
func (d *stubDir) AddFile(context.Context, []byte, string, string) (File, error) {
	return nil, ErrNotSupported
}
func (d *stubDir) AddDirectory(context.Context, string) (Directory, error) {
	return nil, ErrNotSupported
}
func (d *stubDir) Search(ctx context.Context, query string) ([]File, error) {
	return SearchTree(ctx, d, query)
}
func (d *stubDir) GetFile(ctx context.Context, path []string) (File, error) {
	return WalkPath(ctx, d, path)
}

func stubDriver(cfg *Config) (Directory, error) {
	return &stubDir{name: cfg.Driver}, nil
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
			errMsg:  "config is required",
		},
		{
			name:    "empty driver",
			config:  &Config{},
			wantErr: true,
			errMsg:  "driver is required",
		},
		{
			name:    "invalid driver",
			config:  &Config{Driver: "invalid"},
			wantErr: true,
			errMsg:  "unknown driver: invalid",
		},
		{
			name:    "memory with negative quota",
			config:  &Config{Driver: "memory", MemoryMaxSize: -1},
			wantErr: true,
			errMsg:  "memory max size cannot be negative",
		},
		{
			name:    "memory",
			config:  &Config{Driver: "memory"},
			wantErr: false,
		},
		{
			name:    "local driver without base path",
			config:  &Config{Driver: "local"},
			wantErr: true,
			errMsg:  "local base path is required for local driver",
		},
		{
			name:    "local driver with base path",
			config:  &Config{Driver: "local", LocalBasePath: "/tmp"},
			wantErr: false,
		},
		{
			name:    "postgres without url",
			config:  &Config{Driver: "postgres"},
			wantErr: true,
			errMsg:  "postgres URL is required",
		},
		{
			name:    "remote without url",
			config:  &Config{Driver: "remote"},
			wantErr: true,
			errMsg:  "remote URL is required",
		},
		{
			name:    "s3 driver without bucket",
			config:  &Config{Driver: "s3"},
			wantErr: true,
			errMsg:  "S3 bucket is required for S3 driver",
		},
		{
			name:    "s3 driver with bucket",
			config:  &Config{Driver: "s3", S3Bucket: "test-bucket"},
			wantErr: false,
		},
		{
			name:    "sftp without user",
			config:  &Config{Driver: "sftp", SFTPHost: "example.com"},
			wantErr: true,
			errMsg:  "SFTP host and username are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("validateConfig() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestNew(t *testing.T) {
	RegisterDriver("stub", stubDriver)
	RegisterDriver("failing", func(*Config) (Directory, error) {
		return nil, errors.New("backend unavailable")
	})

	tests := []struct {
		name     string
		config   Config
		wantType string
		errMsg   string
	}{
		{name: "plain", config: Config{Driver: "stub"}, wantType: "*treefs.stubDir"},
		{name: "read-only", config: Config{Driver: "stub", ReadOnly: true}, wantType: "*treefs.ReadOnlyDirectory"},
		{name: "cached", config: Config{Driver: "stub", Cache: true}, wantType: "*treefs.CachedProxyRootDirectory"},
		{name: "driver error", config: Config{Driver: "failing"}, errMsg: "backend unavailable"},
		{name: "unregistered", config: Config{Driver: "nope"}, errMsg: "unknown driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := New(&tt.config)
			if tt.errMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
					t.Fatalf("New() error = %v, want error containing %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error = %v", err)
			}
			if got := typeName(root); got != tt.wantType {
				t.Errorf("New() returned %s, want %s", got, tt.wantType)
			}
			if c, ok := root.(*CachedProxyRootDirectory); ok {
				c.Release()
			}
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *stubDir:
		return "*treefs.stubDir"
	case *ReadOnlyDirectory:
		return "*treefs.ReadOnlyDirectory"
	case *CachedProxyRootDirectory:
		return "*treefs.CachedProxyRootDirectory"
	}
	return "unknown"
}

func TestDrivers(t *testing.T) {
	RegisterDriver("stub", stubDriver)
	if !slices.Contains(Drivers(), "stub") {
		t.Errorf("registered driver missing from %v", Drivers())
	}
	if !slices.IsSorted(Drivers()) {
		t.Errorf("Drivers() not sorted: %v", Drivers())
	}
	if _, err := CreateDriver(&Config{Driver: "missing"}); err == nil {
		t.Error("expected error for unregistered driver")
	}
}

func TestDefault(t *testing.T) {
	RegisterDriver("stub", stubDriver)
	Reset()
	t.Cleanup(Reset)

	if err := Init(&Config{Driver: "stub"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	root, err := Default()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root != Root() {
		t.Error("Root and Default disagree")
	}
	// Init is a no-op once the global tree exists.
	if err := Init(&Config{Driver: "failing"}); err != nil {
		t.Errorf("second Init should not fail: %v", err)
	}
	if Root() != root {
		t.Error("global tree replaced by second Init")
	}
}
