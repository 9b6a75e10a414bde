// Package cli provides the vmnetsync command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/jamesprial/vmnetsync/internal/backend"
	"github.com/jamesprial/vmnetsync/internal/config"
	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/procrun"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// DialFunc opens the hypervisor connection.
type DialFunc func(ctx context.Context, cfg config.HypervisorConfig) (hypervisor.Connection, error)

// Options replaces the production dependencies of the commands.
type Options struct {
	// Dial defaults to the libvirt backend.
	Dial DialFunc
	// Runner spawns the mount helper. Nil means procrun.Exec.
	Runner procrun.Runner
	// Listen opens the serve listener. Nil means a TCP listener on the
	// configured port.
	Listen func(addr string) (net.Listener, error)
}

// app is the state shared by the subcommands of one invocation.
type app struct {
	opts     Options
	cfgPath  string
	logLevel string
	cfg      *config.Config
}

func dialLibvirt(ctx context.Context, cfg config.HypervisorConfig) (hypervisor.Connection, error) {
	return backend.Dial(ctx, backend.Options{Socket: cfg.LibvirtSocket, URI: cfg.URI})
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Dial == nil {
		opts.Dial = dialLibvirt
	}
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   "vmnetsync",
		Short: "Keep VM network adapters and guest network files in sync",
		Long: `vmnetsync manages the network adapters of libvirt virtual machines and
keeps the guest's udev rules and ifcfg scripts consistent with them.

Run "vmnetsync serve" to expose the machines as MCP tools over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level, overrides the config file")

	root.AddCommand(
		newServeCommand(a),
		newShowCommand(a),
		newExportCommand(a),
		newImportCommand(a),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	if err := NewRootCommand(Options{}).ExecuteContext(ctx); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// load reads the configuration and sets up logging. A missing file at the
// implicit path falls back to the defaults; an explicit --config must exist.
func (a *app) load(cmd *cobra.Command) error {
	path, explicit := a.cfgPath, a.cfgPath != ""
	if !explicit {
		path = os.Getenv(config.EnvConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = config.DefaultPath
	}

	cfg, err := config.LoadConfig(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg = config.DefaultConfig()
	default:
		return err
	}
	config.ApplyEnvOverrides(cfg)
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log.G(ctx).WithField("path", path).WithField("defaults", err != nil).Debug("configuration loaded")
	a.cfg = cfg
	return nil
}

func setupLogging(c config.LogConfig) error {
	if err := log.SetLevel(c.Level); err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}
	format := log.TextFormat
	if c.Format == string(log.JSONFormat) {
		format = log.JSONFormat
	}
	if err := log.SetFormat(format); err != nil {
		return fmt.Errorf("log format %q: %w", c.Format, err)
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vmnetsync %s\n", Version)
		},
	}
}
