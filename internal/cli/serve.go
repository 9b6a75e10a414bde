package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jamesprial/vmnetsync/internal/auth"
	"github.com/jamesprial/vmnetsync/internal/config"
	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/machines"
	"github.com/jamesprial/vmnetsync/internal/metrics"
	"github.com/jamesprial/vmnetsync/internal/safety"
	"github.com/jamesprial/vmnetsync/internal/tools"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the machine tools over MCP streamable HTTP",
		Long: `Connect to libvirt and serve machine control, adapter configuration and
settings transfer as MCP tools. Requests need "Authorization: Bearer <token>";
a token is generated and logged when none is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	tokenBefore := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	if err != nil {
		log.G(ctx).WithError(err).Warn("could not generate auth token, running without authentication")
	} else if tokenBefore == "" {
		log.G(ctx).WithField("token", token).Warnf("generated auth token, set %s to persist it", config.EnvAuthToken)
	}

	var audit *safety.AuditLogger
	if cfg.Audit.Enabled {
		var closer io.Closer
		audit, closer, err = safety.OpenAuditLog(cfg.Audit.LogPath)
		if err != nil {
			log.G(ctx).WithError(err).Warn("audit logging disabled")
		} else {
			defer closer.Close()
		}
	}

	e, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))

	mcpServer := server.NewMCPServer("vmnetsync", Version, server.WithToolCapabilities(false))
	regs := machines.MachineTools(
		e.reg,
		nil,
		safety.NewFilter(cfg.Safety.VMs.Allowlist, cfg.Safety.VMs.Denylist),
		safety.NewConfirmationTracker(machines.DestructiveTools),
		audit,
	)
	if err := tools.RegisterAll(mcpServer, regs); err != nil {
		return err
	}
	log.G(ctx).WithField("tools", tools.Names(regs)).Debug("tools registered")

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled && cfg.Metrics.Path != "" {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	mux.Handle("/", auth.NewAuthMiddleware(cfg.Server.AuthToken)(server.NewStreamableHTTPServer(mcpServer)))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := a.listen(addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	keepalive := &hypervisor.Keepalive{Conn: e.conn, Gate: e.gate, Interval: a.cfg.KeepaliveInterval()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.G(ctx).WithField("addr", ln.Addr().String()).Info("vmnetsync listening")
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.G(ctx).Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error { return keepalive.Run(gctx) })
	g.Go(func() error { return e.reg.Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.G(ctx).Info("server stopped")
	return nil
}

func (a *app) listen(addr string) (net.Listener, error) {
	if a.opts.Listen != nil {
		return a.opts.Listen(addr)
	}
	return net.Listen("tcp", addr)
}
