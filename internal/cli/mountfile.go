package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gobeaver/treefs"
)

// MountFile describes a virtual tree: the backend of the root and the
// backends mounted below it.
type MountFile struct {
	Root   treefs.Config
	Mounts []Mount
}

// Mount is one backend mounted at Path. Its configuration keys sit next to
// path, as in
//
//	- path: /data
//	  driver: local
//	  localBasePath: ./storage
type Mount struct {
	Path string
	treefs.Config
}

type rawMountFile struct {
	Root   yaml.Node   `yaml:"root"`
	Mounts []yaml.Node `yaml:"mounts"`
}

// LoadMountFile reads the mount file at path. Every backend starts from
// defaults and the file overrides what it sets. An empty path yields a tree
// made of the defaults alone.
func LoadMountFile(path string, defaults treefs.Config) (*MountFile, error) {
	mf := &MountFile{Root: defaults}
	if path == "" {
		return mf, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount file: %w", err)
	}
	if err := ParseMountFile(data, defaults, mf); err != nil {
		return nil, fmt.Errorf("failed to parse mount file %s: %w", path, err)
	}
	return mf, nil
}

// ParseMountFile decodes the YAML in data into mf.
func ParseMountFile(data []byte, defaults treefs.Config, mf *MountFile) error {
	var raw rawMountFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	mf.Root = defaults
	if !raw.Root.IsZero() {
		if err := raw.Root.Decode(&mf.Root); err != nil {
			return fmt.Errorf("root: %w", err)
		}
	}

	mf.Mounts = make([]Mount, 0, len(raw.Mounts))
	for i, node := range raw.Mounts {
		var head struct {
			Path string `yaml:"path"`
		}
		if err := node.Decode(&head); err != nil {
			return fmt.Errorf("mounts[%d]: %w", i, err)
		}
		if len(treefs.SplitPath(head.Path)) == 0 {
			return fmt.Errorf("mounts[%d]: path must name a directory below the root", i)
		}

		m := Mount{Path: head.Path, Config: defaults}
		if err := node.Decode(&m.Config); err != nil {
			return fmt.Errorf("mounts[%d]: %w", i, err)
		}
		mf.Mounts = append(mf.Mounts, m)
	}
	return nil
}

// mounter is implemented by every directory of a virtual tree.
type mounter interface {
	treefs.Directory
	Mount(ctx context.Context, mountPoint treefs.File, dir treefs.Directory) error
}

// mountAt mounts dir at path, creating the mount point and its missing
// parents in the tree as directories.
func mountAt(ctx context.Context, vfs *treefs.VirtualFS, path []string, dir treefs.Directory) error {
	if len(path) == 0 {
		return treefs.NewPathError("mount", "/", treefs.ErrNotSupported)
	}

	var parent mounter = vfs
	for i, name := range path {
		next, err := parent.GetFile(ctx, []string{name})
		if errors.Is(err, treefs.ErrNotExist) {
			next, err = parent.AddDirectory(ctx, name)
		}
		if err != nil {
			return err
		}
		m, ok := next.(mounter)
		if !ok {
			return treefs.NewPathError("mount", treefs.JoinPath(path[:i+1]), treefs.ErrNotDir)
		}
		if i == len(path)-1 {
			return parent.Mount(ctx, next, dir)
		}
		parent = m
	}
	return nil
}
