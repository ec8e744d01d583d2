package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/driver/remote"
	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		addr  string
		token string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tree over HTTP for the remote driver",
		Long: `Serve the tree over HTTP in the protocol of the remote driver, so another
treefs can mount it. Prometheus metrics are exposed at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = a.remoteToken
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           newServeMux(a.fs, token),
				ErrorLog:          logging.NewLogLogger("http"),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return a.serve(cmd.Context(), srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&token, "token", "", "bearer token clients must send (BEAVER_TREEFS_REMOTE_TOKEN when empty)")
	return cmd
}

func newServeMux(root treefs.Directory, token string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", remote.NewHandler(root, remote.WithAuthToken(token)))
	return mux
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func (a *app) serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("serving tree")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newWatchCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Print a line for every change of a file or directory",
		Long: `Print a line for every change of a file or directory until interrupted.
A directory reports changes of all its descendants. Local mounts only see
changes made outside this process when localWatch is enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return watch(cmd.Context(), f, cmd.OutOrStdout(), count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many changes (0 = never)")
	return cmd
}

// watch prints one line per change of f until ctx is done or, when count is
// positive, count changes were seen.
func watch(ctx context.Context, f treefs.File, out io.Writer, count int) error {
	var (
		mu   sync.Mutex
		seen int
	)
	done := make(chan struct{})

	cancel := treefs.OnChange(f, func() {
		mu.Lock()
		defer mu.Unlock()
		if count > 0 && seen >= count {
			return
		}
		seen++
		fmt.Fprintf(out, "%s changed %s\n", time.Now().Format(time.RFC3339), f.ID())
		if seen == count {
			close(done)
		}
	})
	defer cancel()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}
