package treefs

import (
	"context"
	"errors"
	"strings"
)

// SplitPath splits a slash separated path into names. Empty segments and "."
// are dropped, so "/a//b/" and "a/b" both give ["a" "b"].
func SplitPath(p string) []string {
	parts := strings.Split(p, "/")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		names = append(names, part)
	}
	return names
}

// JoinPath is the inverse of SplitPath without a leading slash.
func JoinPath(path []string) string {
	return strings.Join(path, "/")
}

// ValidateName rejects names that cannot be a single path segment.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return ErrInvalidName
	}
	return nil
}

// WalkPath resolves path relative to dir using nothing but Children.
//
// The parent path is resolved first; it must be a directory, and the last
// name is matched exactly against its children. Failures are *PathError
// values wrapping ErrNotExist whose Path ends at the missing segment.
// Backends with native path lookup may use it instead, as long as they fail
// in exactly the same cases.
func WalkPath(ctx context.Context, dir Directory, path []string) (File, error) {
	if len(path) == 0 {
		return dir, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parent, err := WalkPath(ctx, dir, path[:len(path)-1])
	if err != nil {
		return nil, err
	}
	parentDir, ok := AsDirectory(parent)
	if !ok {
		return nil, NewPathError("getFile", JoinPath(path), ErrNotExist)
	}

	children, err := parentDir.Children(ctx)
	if err != nil {
		return nil, err
	}
	name := path[len(path)-1]
	for _, child := range children {
		if child.Name() == name {
			return child, nil
		}
	}
	return nil, NewPathError("getFile", JoinPath(path), ErrNotExist)
}

// SkipDir can be returned by a WalkFunc to skip the descendants of a directory.
var SkipDir = errors.New("skip this directory")

// WalkFunc is called for each descendant visited by Walk. path is relative to
// the directory Walk started from.
type WalkFunc func(path []string, f File) error

// Walk visits every descendant of dir depth-first, parents before children.
// The start directory itself is not visited.
func Walk(ctx context.Context, dir Directory, fn WalkFunc) error {
	return walk(ctx, dir, nil, fn)
}

func walk(ctx context.Context, dir Directory, prefix []string, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	children, err := dir.Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		path := make([]string, len(prefix)+1)
		copy(path, prefix)
		path[len(prefix)] = child.Name()

		err := fn(path, child)
		if errors.Is(err, SkipDir) {
			continue
		}
		if err != nil {
			return err
		}
		if sub, ok := AsDirectory(child); ok {
			if err := walk(ctx, sub, path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
