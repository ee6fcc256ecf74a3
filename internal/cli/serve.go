package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/formcore/internal/app"
	"github.com/roach88/formcore/internal/config"
	"github.com/roach88/formcore/internal/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr        string
	Maintenance bool

	// ReconcileEvery is how often unfinished submissions are swept. Zero
	// disables the sweep.
	ReconcileEvery time.Duration

	// ReconcileAge is how old a stub must be before a sweep touches it.
	ReconcileAge time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the receiver and case API over HTTP",
		Long: `Serve the OpenRosa receiver, the case API and the form and case
lookups until interrupted.

On SIGINT or SIGTERM the server stops accepting connections and waits up to
server.shutdown_timeout for in-flight requests.

Example:
  formcore serve --config formcore.yaml
  formcore serve --addr 127.0.0.1:9000 --maintenance`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.Maintenance, "maintenance", false, "reject every mutating request with 503")
	cmd.Flags().DurationVar(&opts.ReconcileEvery, "reconcile-every", time.Minute, "interval between unfinished-submission sweeps (0 disables)")
	cmd.Flags().DurationVar(&opts.ReconcileAge, "reconcile-age", 5*time.Minute, "minimum age of a stub before it is reconciled")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	a, err := opts.openApp(cmd, func(cfg *config.Config) {
		if opts.Addr != "" {
			cfg.Server.Addr = opts.Addr
		}
		if opts.Maintenance {
			cfg.Server.Maintenance = true
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.Logger.Error("error closing stack", "error", err)
		}
	}()

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Handler:           newHandler(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("server starting", "addr", ln.Addr().String(), "maintenance", a.Config.Server.Maintenance)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		a.Logger.Info("shutting down", "timeout", a.Config.Server.ShutdownTimeout)
		return srv.Shutdown(shutdownCtx)
	})
	if opts.ReconcileEvery > 0 {
		g.Go(func() error {
			sweep(gctx, a, opts.ReconcileEvery, opts.ReconcileAge)
			return nil
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	a.Logger.Info("server stopped gracefully")
	return nil
}

// newHandler wires the HTTP routes to a.
func newHandler(a *app.App) http.Handler {
	server := a.Config.Server
	return httpapi.New(httpapi.Deps{
		Processor: a.Processor,
		Cases:     a.Cases,
		Metrics:   a.Metrics,
		Gatherer:  a.Registry,
		Policies:  a.Config.Policy,
		Logger:    a.Logger,
	}, httpapi.Options{
		Maintenance:  server.Maintenance,
		DemoUserID:   server.DemoUserID,
		RateLimit:    rate.Limit(server.RateLimit),
		RateBurst:    server.RateBurst,
		MaxBodyBytes: maxBodyBytes(server.MaxAttachmentBytes),
	})
}

// maxBodyBytes leaves room for the XML part and multipart framing around
// the largest allowed attachment.
func maxBodyBytes(maxAttachment int64) int64 {
	if maxAttachment <= 0 {
		return 0
	}
	return 2*maxAttachment + 1<<20
}

// sweep reconciles unfinished submissions until ctx is done.
func sweep(ctx context.Context, a *app.App, every, age time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report, err := a.Processor.Reconcile(ctx, now.Add(-age))
			if err != nil {
				a.Logger.Error("reconcile failed", "error", err)
				continue
			}
			for _, stub := range report.Pending {
				a.Logger.Warn("submission never committed",
					slog.String("domain", stub.Domain),
					slog.String("form_id", stub.FormID),
					slog.Time("created_on", stub.CreatedOn))
			}
		}
	}
}
