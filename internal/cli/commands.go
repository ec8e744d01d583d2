package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gobeaver/treefs"
)

func newLsCmd(a *app) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			f, err := a.resolve(cmd.Context(), p)
			if err != nil {
				return err
			}

			entries := []treefs.File{f}
			if dir, ok := treefs.AsDirectory(f); ok {
				if entries, err = dir.Children(cmd.Context()); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				name := e.Name()
				if e.Kind() == treefs.KindDirectory {
					name += "/"
				}
				if !long {
					fmt.Fprintln(w, name)
					continue
				}
				info := e.Info()
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					e.Kind(), info.Size, info.LastModified.Format(time.DateTime), info.MimeType, name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show kind, size, modification time and mime type")
	return cmd
}

func newCatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print the content of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := f.Read(cmd.Context())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	var (
		source   string
		mimeType string
	)
	cmd := &cobra.Command{
		Use:   "put <dir> <name>",
		Short: "Create or overwrite a file with the content of --file or stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir, err := a.resolveDir(ctx, args[0])
			if err != nil {
				return err
			}

			var data []byte
			if source != "" {
				data, err = os.ReadFile(source)
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read content: %w", err)
			}

			f, err := dir.AddFile(ctx, data, args[1], mimeType)
			if errors.Is(err, treefs.ErrExist) {
				if f, err = dir.GetFile(ctx, []string{args[1]}); err != nil {
					return err
				}
				if f.Kind() != treefs.KindFile {
					return treefs.NewPathError("put", args[1], treefs.ErrIsDir)
				}
				_, err = f.Write(ctx, data)
			}
			if err != nil {
				return err
			}
			a.log.Info().Str("id", f.ID()).Int("bytes", len(data)).Msg("stored file")
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "file", "f", "", "read content from this local file instead of stdin")
	cmd.Flags().StringVar(&mimeType, "mime", "", "mime type of a new file, guessed when empty")
	return cmd
}

func newMkdirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <dir> <name>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = dir.AddDirectory(cmd.Context(), args[1])
			return err
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or a directory with its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return f.Delete(cmd.Context())
		},
	}
}

func newMvCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src> <dstDir>",
		Short: "Move a file or directory into another directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			target, err := a.resolveDir(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			_, err = f.Move(cmd.Context(), target)
			return err
		},
	}
}

func newCpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cp <src> <dstDir>",
		Short: "Copy a file or directory into another directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			target, err := a.resolveDir(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			_, err = f.Copy(cmd.Context(), target)
			return err
		},
	}
}

func newFindCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "find <dir> <query>",
		Short: "Print the paths of descendants whose name matches query",
		Long: `Print the paths of descendants whose name matches query.

A query containing *, ?, [ or { is a glob, anything else matches names
containing it. Matching ignores case.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			base := treefs.SplitPath(args[0])
			m := treefs.NameMatcher(args[1])
			out := cmd.OutOrStdout()
			return treefs.Walk(cmd.Context(), dir, func(path []string, f treefs.File) error {
				if m.Match(f) {
					fmt.Fprintf(out, "/%s\n", treefs.JoinPath(append(base[:len(base):len(base)], path...)))
				}
				return nil
			})
		},
	}
}

func newSumCmd(a *app) *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "sum <path>",
		Short: "Print the checksum of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sum, err := treefs.Checksum(cmd.Context(), f, treefs.ChecksumAlgorithm(algorithm))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algo", "a", string(treefs.ChecksumSHA256),
		"md5, sha1, sha256, sha512, crc32 or xxhash")
	return cmd
}
