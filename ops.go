package treefs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gobeaver/treefs/internal/logging"
)

// ReadText reads f and returns its content as a string.
func ReadText(ctx context.Context, f File) (string, error) {
	data, err := f.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListingJSON is the default Read of a directory: the JSON array of the
// children's metadata.
func ListingJSON(ctx context.Context, dir Directory) ([]byte, error) {
	children, err := dir.Children(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(children))
	for _, child := range children {
		infos = append(infos, child.Info())
	}
	return json.Marshal(infos)
}

// ParseListing decodes a directory listing produced by ListingJSON.
func ParseListing(data []byte) ([]FileInfo, error) {
	var infos []FileInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	return infos, nil
}

// DirectoryInfo fills the fields every directory shares.
func DirectoryInfo(id, name string) FileInfo {
	return FileInfo{
		ID:        id,
		Name:      name,
		Directory: true,
		MimeType:  DirectoryMimeType,
	}
}

// CopyTo is the default Copy. Files are read fully and added to target;
// directories are created in target and copied level by level. Leaf children
// are copied through their own Copy, so native file copies still apply below
// the top.
//
// The copy is not atomic. When a step fails after the target directory was
// created, the partial copy is deleted on a best-effort basis and the
// original error is returned.
func CopyTo(ctx context.Context, src File, target Directory) (File, error) {
	if target == nil {
		return nil, NewPathError("copy", src.Name(), ErrNilDirectory)
	}

	srcDir, ok := AsDirectory(src)
	if !ok {
		data, err := src.Read(ctx)
		if err != nil {
			return nil, err
		}
		return target.AddFile(ctx, data, src.Name(), src.Info().MimeType)
	}

	created, err := copyTree(ctx, srcDir, target, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// copyTree copies dir into target. Directories created by this copy are
// recorded in made and skipped when met again, so a copy into a descendant
// of dir does not pick up its own output.
func copyTree(ctx context.Context, dir, target Directory, made map[string]bool) (Directory, error) {
	// Snapshot before creating anything.
	children, err := dir.Children(ctx)
	if err != nil {
		return nil, err
	}
	created, err := target.AddDirectory(ctx, dir.Name())
	if err != nil {
		return nil, err
	}
	made[created.ID()] = true

	for _, child := range children {
		if made[child.ID()] {
			continue
		}
		if sub, ok := AsDirectory(child); ok {
			_, err = copyTree(ctx, sub, created, made)
		} else {
			_, err = child.Copy(ctx, created)
		}
		if err != nil {
			discardPartial(ctx, created, err)
			return nil, err
		}
	}
	return created, nil
}

// MoveTo is the default Move: Copy followed by Delete of the source. If the
// delete fails the copy is kept and the error returned; nothing is rolled
// back.
func MoveTo(ctx context.Context, src File, target Directory) (File, error) {
	moved, err := src.Copy(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := src.Delete(ctx); err != nil {
		return moved, fmt.Errorf("delete source after move: %w", err)
	}
	return moved, nil
}

func discardPartial(ctx context.Context, partial File, cause error) {
	log := logging.Get("treefs.copy")
	// ctx may be the reason the copy failed
	cleanupCtx := context.WithoutCancel(ctx)
	if err := partial.Delete(cleanupCtx); err != nil {
		log.Warn().Err(err).Str("cause", cause.Error()).Str("name", partial.Name()).
			Msg("failed to remove partial copy")
		return
	}
	log.Debug().Str("name", partial.Name()).Msg("removed partial copy")
}
