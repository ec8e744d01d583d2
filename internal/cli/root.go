// Package cli implements the treefs command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/internal/logging"

	// backends available to mount files
	_ "github.com/gobeaver/treefs/driver/local"
	_ "github.com/gobeaver/treefs/driver/memory"
	_ "github.com/gobeaver/treefs/driver/postgres"
	_ "github.com/gobeaver/treefs/driver/remote"
	_ "github.com/gobeaver/treefs/driver/s3"
	_ "github.com/gobeaver/treefs/driver/sftp"
	_ "github.com/gobeaver/treefs/driver/zip"
)

// app holds the global flags and the tree built from them for one run.
type app struct {
	configPath string
	envFile    string
	verbose    bool

	remoteToken string

	fs       *treefs.VirtualFS
	backends []treefs.Directory
	log      zerolog.Logger
}

// newRoot returns the treefs command with all subcommands attached, and the
// state its runs share.
func newRoot() (*cobra.Command, *app) {
	a := &app{log: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "treefs",
		Short: "Browse and edit a virtual file tree",
		Long: `treefs composes a virtual file tree from backends (memory, local disk,
PostgreSQL, a remote treefs server, S3, SFTP, ZIP archives) and operates on
it.

The tree is described by a YAML mount file:

  root:
    driver: memory
  mounts:
    - path: /data
      driver: local
      localBasePath: ./storage
    - path: /archive
      driver: s3
      s3Bucket: archive
      readOnly: true

Without --config the root backend is configured from BEAVER_TREEFS_*
environment variables, which also provide the defaults of every backend in
the mount file. Paths are slash separated and relative to the virtual root.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML mount file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "load environment variables from this file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newLsCmd(a),
		newCatCmd(a),
		newPutCmd(a),
		newMkdirCmd(a),
		newRmCmd(a),
		newMvCmd(a),
		newCpCmd(a),
		newFindCmd(a),
		newSumCmd(a),
		newServeCmd(a),
		newWatchCmd(a),
	)
	return root, a
}

// Execute runs the command line in os.Args until ctx is cancelled.
func Execute(ctx context.Context) error {
	return execute(ctx, nil)
}

// execute runs the command line with args, or os.Args when args is nil, and
// releases the backends it opened whether or not the command failed.
func execute(ctx context.Context, args []string) error {
	root, a := newRoot()
	if args != nil {
		root.SetArgs(args)
	}
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	defaults, err := treefs.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.remoteToken = defaults.RemoteToken
	mf, err := LoadMountFile(a.configPath, *defaults)
	if err != nil {
		return err
	}

	level := mf.Root.LogLevel
	if a.verbose {
		level = "debug"
	}
	logging.Init(level)
	a.log = logging.Get("cli")

	return a.build(cmd.Context(), mf)
}

// build opens every backend of mf and mounts them into a fresh virtual tree.
func (a *app) build(ctx context.Context, mf *MountFile) error {
	root, err := a.open(&mf.Root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	a.fs = treefs.NewVirtualFS(root)

	for _, m := range mf.Mounts {
		dir, err := a.open(&m.Config)
		if err != nil {
			return fmt.Errorf("mount %s: %w", m.Path, err)
		}
		if err := mountAt(ctx, a.fs, treefs.SplitPath(m.Path), dir); err != nil {
			return fmt.Errorf("mount %s: %w", m.Path, err)
		}
		a.log.Debug().Str("path", m.Path).Str("driver", m.Driver).Bool("readOnly", m.ReadOnly).Msg("mounted")
	}
	return nil
}

func (a *app) open(cfg *treefs.Config) (treefs.Directory, error) {
	dir, err := treefs.New(cfg)
	if err != nil {
		return nil, err
	}
	a.backends = append(a.backends, dir)
	return dir, nil
}

func (a *app) teardown() error {
	var errs []error
	if a.fs != nil {
		errs = append(errs, a.fs.Close())
	}
	for _, dir := range a.backends {
		if r, ok := dir.(interface{ Release() }); ok {
			r.Release()
		}
		errs = append(errs, closeBackend(dir))
	}
	a.fs, a.backends = nil, nil
	return errors.Join(errs...)
}

// closeBackend closes the backend below the proxies wrapping f when it holds
// a connection.
func closeBackend(f treefs.File) error {
	for f != nil {
		switch c := f.(type) {
		case io.Closer:
			return c.Close()
		case interface{ Close() }:
			c.Close()
			return nil
		}
		u, ok := f.(treefs.Unwrapper)
		if !ok {
			return nil
		}
		f = u.Unwrap()
	}
	return nil
}

// resolve looks up a slash separated path from the virtual root.
func (a *app) resolve(ctx context.Context, p string) (treefs.File, error) {
	return a.fs.GetFile(ctx, treefs.SplitPath(p))
}

func (a *app) resolveDir(ctx context.Context, p string) (treefs.Directory, error) {
	f, err := a.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	dir, ok := treefs.AsDirectory(f)
	if !ok {
		return nil, treefs.NewPathError("resolve", p, treefs.ErrNotDir)
	}
	return dir, nil
}
