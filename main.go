// Command lockedcache shares scheduler status listings and container image
// builds between independent processes on a cluster through a cache
// directory, so that N concurrent callers trigger one external query or
// build instead of N.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/richardartoul/lockedcache/pkg/cache"
	"github.com/richardartoul/lockedcache/pkg/config"
	"github.com/richardartoul/lockedcache/pkg/executor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ee *exitError
	switch {
	case errors.As(err, &ee):
		if ee.err != nil {
			fmt.Fprintln(stderr, ee.err)
		}
		return ee.code
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "interrupted")
		return executor.InterruptedExitCode
	default:
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
}

type rootOptions struct {
	configPath string
	cacheDir   string
	debug      bool

	stdin          io.Reader
	stdout, stderr io.Writer
	logger         *slog.Logger
	cfg            config.Config
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "lockedcache",
		Short:         "Cross-process cache for scheduler status queries and image builds",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.cacheDir, "cache-dir", "", "shared cache directory (overrides config and $"+config.EnvCacheDir+")")
	flags.BoolVar(&opts.debug, "debug", false, "trace every cache operation on stderr")

	root.AddCommand(
		newStatusCmd(opts),
		newInvalidateCmd(opts),
		newBuildCmd(opts),
		newSubmitCmd(opts),
		newServeCmd(opts),
	)
	return root
}

func (o *rootOptions) load() error {
	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	o.logger = slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.cacheDir != "" {
		cfg.CacheDir = o.cacheDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg
	return nil
}

func (o *rootOptions) backend(ctx context.Context) (*caches, error) {
	return newCaches(ctx, o.cfg, backendOptions{debug: o.debug, logger: o.logger})
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobid>",
		Short: "Report whether a job is live: present, absent or unknown",
		Long: `Report whether a job is in the scheduler's live listing.

Exits 0 for present and unknown and 1 for absent, so that a status that
cannot be determined never makes a workflow engine give up on a job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			m, err := b.CheckMembership(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.stdout, m)
			if m == cache.Absent {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func newInvalidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "invalidate (status|build) <key>",
		Short:     "Mark a cached entry stale so the next read refreshes it",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"status", "build"},
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()
			return b.Invalidate(cmd.Context(), args[0], args[1])
		},
	}
}

func newBuildCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build <image>",
		Short: "Print the path of the image artifact, building it at most once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			h, err := b.Build(cmd.Context(), args[0])
			if err != nil {
				if cmd.Context().Err() != nil {
					return err
				}
				return &exitError{code: 1, err: err}
			}
			if h.Stale {
				opts.logger.Warn("serving stale artifact", "image", h.Key, "path", h.Path)
			}
			fmt.Fprintln(opts.stdout, h.Path)
			return nil
		},
	}
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit -- <args...>",
		Short: "Submit a job with jitter and retries",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			a := b.Submit(cmd.Context(), args)
			opts.stdout.Write(a.Stdout)
			opts.stderr.Write(a.Stderr)

			switch {
			case a.Outcome == executor.Success:
				return nil
			case a.Outcome == executor.Interrupted:
				return &exitError{code: executor.InterruptedExitCode, err: a.Err}
			case a.ExitCode > 0:
				return &exitError{code: a.ExitCode}
			default:
				return &exitError{code: 1, err: a.Err}
			}
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer line-delimited JSON requests on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := opts.backend(ctx)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				stop, err := serveMetrics(metricsAddr, b.collector.Handler(), opts.logger)
				if err != nil {
					return err
				}
				defer stop()
			}

			return NewServer(b, opts.stdin, opts.stdout, opts.logger).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	return cmd
}

// serveMetrics exposes handler at /metrics and returns a shutdown func.
func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
