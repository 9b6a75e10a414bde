package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jamesprial/vmnetsync/internal/netcfg"
	"github.com/jamesprial/vmnetsync/internal/settings"
)

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <vm>",
		Short: "Show the network adapters of a machine",
		Long: `Show every adapter slot of a machine together with the guest interface
name, IP address and netmask read from the guest's network files.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				recs, err := e.reg.Adapters(ctx, args[0], false)
				if err != nil {
					return err
				}
				return writeAdapters(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func newExportCommand(a *app) *cobra.Command {
	var compress bool
	cmd := &cobra.Command{
		Use:   "export <file> [vm...]",
		Short: "Export adapter settings to a file",
		Long:  `Export the adapter settings of the named machines, or of every machine when none is named.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variant := settings.VariantPlain
			if compress {
				variant = settings.VariantDeflate
			}
			return a.withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				entries, err := e.reg.Export(ctx, args[1:])
				if err != nil {
					return err
				}
				if err := settings.WriteFile(args[0], entries, variant); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d machine(s) to %s\n", len(entries), args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&compress, "compress", "z", false, "deflate the settings payload")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import adapter settings from a file",
		Long: `Apply every machine entry in the file to the machine with the same UUID,
or failing that the same name, and save it. Entries without a matching
machine are reported; the rest are imported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := settings.ReadFile(args[0])
			if err != nil {
				return err
			}
			return a.withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				if err := e.reg.Import(ctx, entries); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d machine(s) from %s\n", len(entries), args[0])
				return nil
			})
		},
	}
}

func (a *app) withEnv(ctx context.Context, fn func(ctx context.Context, e *env) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))
	return fn(ctx, e)
}

func writeAdapters(w io.Writer, recs []netcfg.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tENABLED\tCABLE\tMAC\tATTACHMENT\tNAME\tIP\tMASK")
	for _, r := range recs {
		attachment := r.AttachmentType.String()
		if r.AttachmentData != "" {
			attachment += ":" + r.AttachmentData
		}
		fmt.Fprintf(tw, "%d\t%t\t%t\t%s\t%s\t%s\t%s\t%s\n",
			r.Slot, r.Enabled, r.CableConnected, dash(r.MAC), attachment, dash(r.Name), dash(r.IP), dash(r.SubnetMask))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
