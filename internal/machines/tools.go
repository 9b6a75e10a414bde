package machines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/vmnetsync/internal/hostnet"
	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
	"github.com/jamesprial/vmnetsync/internal/safety"
	"github.com/jamesprial/vmnetsync/internal/settings"
	"github.com/jamesprial/vmnetsync/internal/tools"
)

// MachineTools returns the tool registrations for machine control, network
// configuration and settings transfer. links is the host interface source
// for host_interfaces; nil means the live netlink listing.
func MachineTools(
	mgr Manager,
	links hostnet.Lister,
	filter *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
) []tools.Registration {
	return []tools.Registration{
		machineList(mgr, filter, audit),
		machineStart(mgr, filter, audit),
		machineStop(mgr, filter, confirm, audit),
		machinePause(mgr, filter, audit),
		machineReset(mgr, filter, confirm, audit),
		netcfgShow(mgr, filter, audit),
		netcfgSet(mgr, filter, audit),
		netcfgSave(mgr, filter, confirm, audit),
		settingsExport(mgr, filter, audit),
		settingsImport(mgr, filter, confirm, audit),
		hostInterfaces(links, audit),
	}
}

func deniedResult(name string) *mcp.CallToolResult {
	return tools.ErrorResult(fmt.Sprintf("access to machine %q is not allowed", name))
}

// ---------------------------------------------------------------------------
// Machine lifecycle
// ---------------------------------------------------------------------------

func machineList(mgr Manager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("machine_list",
		mcp.WithDescription("List virtual machines with their state and chipset."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := map[string]any{}

		infos, err := mgr.List(ctx)
		if err != nil {
			tools.LogAudit(audit, "machine_list", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		visible := make([]Info, 0, len(infos))
		for _, info := range infos {
			if filter.IsAllowed(info.Name) {
				visible = append(visible, info)
			}
		}

		tools.LogAudit(audit, "machine_list", params, tools.ResultOK, start)
		return tools.JSONResult(visible), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func machineStart(mgr Manager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("machine_start",
		mcp.WithDescription("Start a powered-off virtual machine and wait until it runs."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Machine name or UUID"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		params := map[string]any{"name": name}

		if !filter.IsAllowed(name) {
			tools.LogAudit(audit, "machine_start", params, tools.ResultDenied, start)
			return deniedResult(name), nil
		}

		if err := mgr.Start(ctx, name); err != nil {
			tools.LogAudit(audit, "machine_start", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "machine_start", params, tools.ResultOK, start)
		return mcp.NewToolResultText(fmt.Sprintf("machine %q started", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func machineStop(mgr Manager, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "machine_stop"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Stop a running machine. Presses the ACPI power button unless force is set, which cuts power. Requires confirmation."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Machine name or UUID"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Power the machine off instead of pressing the power button"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		force := req.GetBool("force", false)
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"name": name, "force": force}

		if !filter.IsAllowed(name) {
			tools.LogAudit(audit, toolName, params, tools.ResultDenied, start)
			return deniedResult(name), nil
		}

		if !confirm.Confirm(toolName, name, token) {
			desc := fmt.Sprintf("This will press the power button of machine %q.", name)
			if force {
				desc = fmt.Sprintf("This will cut power to machine %q. Unsaved guest data is lost.", name)
			}
			tools.LogAudit(audit, toolName, params, tools.ResultConfirm, start)
			return tools.ConfirmPrompt(confirm, toolName, name, desc), nil
		}

		if err := mgr.Stop(ctx, name, force); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, tools.ResultOK, start)
		if force {
			return mcp.NewToolResultText(fmt.Sprintf("machine %q powered off", name)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("machine %q is shutting down", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func machinePause(mgr Manager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("machine_pause",
		mcp.WithDescription("Pause a running machine, or resume a paused one."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Machine name or UUID"),
		),
		mcp.WithBoolean("resume",
			mcp.Description("Resume instead of pausing"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		resume := req.GetBool("resume", false)
		params := map[string]any{"name": name, "resume": resume}

		if !filter.IsAllowed(name) {
			tools.LogAudit(audit, "machine_pause", params, tools.ResultDenied, start)
			return deniedResult(name), nil
		}

		if err := mgr.Pause(ctx, name, !resume); err != nil {
			tools.LogAudit(audit, "machine_pause", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "machine_pause", params, tools.ResultOK, start)
		if resume {
			return mcp.NewToolResultText(fmt.Sprintf("machine %q resumed", name)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("machine %q paused", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func machineReset(mgr Manager, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "machine_reset"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Hard reset a running machine. Requires confirmation."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Machine name or UUID"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"name": name}

		if !filter.IsAllowed(name) {
			tools.LogAudit(audit, toolName, params, tools.ResultDenied, start)
			return deniedResult(name), nil
		}

		if !confirm.Confirm(toolName, name, token) {
			desc := fmt.Sprintf("This will hard reset machine %q without shutting the guest down.", name)
			tools.LogAudit(audit, toolName, params, tools.ResultConfirm, start)
			return tools.ConfirmPrompt(confirm, toolName, name, desc), nil
		}

		if err := mgr.Reset(ctx, name); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, tools.ResultOK, start)
		return mcp.NewToolResultText(fmt.Sprintf("machine %q reset", name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// ---------------------------------------------------------------------------
// Network configuration
// ---------------------------------------------------------------------------

func netcfgShow(mgr Manager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("netcfg_show",
		mcp.WithDescription("Show the network adapters of a machine: hypervisor settings plus the guest interface name and address."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Machine name or UUID"),
		),
		mcp.WithBoolean("reload",
			mcp.Description("Re-read the hypervisor and guest files, discarding unsaved edits"),
		),
		mcp.WithBoolean("all",
			mcp.Description("Include disabled adapters"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		reload := req.GetBool("reload", false)
		all := req.GetBool("all", false)
		params := map[string]any{"name": name, "reload": reload, "all": all}

		if !filter.IsAllowed(name) {
			tools.LogAudit(audit, "netcfg_show", params, tools.ResultDenied, start)
			return deniedResult(name), nil
		}

		records, err := mgr.Adapters(ctx, name, reload)
		if err != nil {
			tools.LogAudit(audit, "netcfg_show", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}
		if !all {
			enabled := records[:0]
			for _, r := range records {
				if r.Enabled {
					enabled = append(enabled, r)
				}
			}
			records = enabled
		}

		tools.LogAudit(audit, "netcfg_show", params, tools.ResultOK, start)
		return tools.JSONResult(records), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func netcfgSet(mgr Manager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("netcfg_set",
		mcp.WithDescription("Edit one network adapter of a machine. Only the given fields change. Edits are kept in memory until netcfg_save."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Machine name or UUID"),
		),
		mcp.WithNumber("slot",
			mcp.Required(),
			mcp.Description("Adapter slot, starting at 0"),
		),
		mcp.WithBoolean("enabled", mcp.Description("Adapter enabled")),
		mcp.WithBoolean("cable_connected", mcp.Description("Virtual cable connected")),
		mcp.WithString("mac", mcp.Description("MAC address in any common notation; empty lets the hypervisor choose")),
		mcp.WithString("attachment_type",
			mcp.Description("Attachment type"),
			mcp.Enum("null", "nat", "bridged", "internal", "hostonly", "generic", "natnetwork"),
		),
		mcp.WithString("attachment_data", mcp.Description("Bridge device, internal network, host-only device, generic driver or NAT network name")),
		mcp.WithString("interface_name", mcp.Description("Guest interface name, alphanumeric")),
		mcp.WithString("ip", mcp.Description("Guest IPv4 or IPv6 address; empty clears it")),
		mcp.WithString("subnet_mask", mcp.Description("Dotted-quad mask or prefix length")),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		slot := req.GetInt("slot", -1)
		args := req.GetArguments()
		params := map[string]any{}
		for k, v := range args {
			params[k] = v
		}

		if !filter.IsAllowed(name) {
			tools.LogAudit(audit, "netcfg_set", params, tools.ResultDenied, start)
			return deniedResult(name), nil
		}
		if slot < 0 {
			tools.LogAudit(audit, "netcfg_set", params, "error: invalid slot", start)
			return tools.ErrorResult("slot must be a non-negative integer"), nil
		}

		rec, err := mgr.UpdateAdapter(ctx, name, uint32(slot), func(rec *netcfg.Record) error {
			return applyArgs(rec, args)
		})
		if err != nil {
			tools.LogAudit(audit, "netcfg_set", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "netcfg_set", params, tools.ResultOK, start)
		return tools.JSONResult(rec), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// applyArgs copies the fields present in args onto rec through the
// validating setters.
func applyArgs(rec *netcfg.Record, args map[string]any) error {
	if v, ok := args["enabled"].(bool); ok {
		rec.Enabled = v
	}
	if v, ok := args["cable_connected"].(bool); ok {
		rec.CableConnected = v
	}
	if v, ok := args["mac"].(string); ok {
		if err := rec.SetMAC(v); err != nil {
			return err
		}
	}

	typeArg, hasType := args["attachment_type"].(string)
	dataArg, hasData := args["attachment_data"].(string)
	if hasType || hasData {
		t, data := rec.AttachmentType, rec.AttachmentData
		if hasType {
			parsed, err := hypervisor.ParseAttachmentType(typeArg)
			if err != nil {
				return err
			}
			if parsed != t {
				data = ""
			}
			t = parsed
		}
		if hasData {
			data = dataArg
		}
		if err := rec.SetAttachment(t, data); err != nil {
			return err
		}
	}

	if v, ok := args["interface_name"].(string); ok {
		if err := rec.SetName(v); err != nil {
			return err
		}
	}
	if v, ok := args["ip"].(string); ok {
		if err := rec.SetIP(v); err != nil {
			return err
		}
	}
	if v, ok := args["subnet_mask"].(string); ok {
		if err := rec.SetSubnetMask(v); err != nil {
			return err
		}
	}
	return nil
}

func netcfgSave(mgr Manager, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "netcfg_save"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Write the adapter configuration of a machine. A powered-off machine gets every setting plus its guest udev rules and ifcfg scripts; a running one only the attachment. Requires confirmation."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Machine name or UUID"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"name": name}

		if !filter.IsAllowed(name) {
			tools.LogAudit(audit, toolName, params, tools.ResultDenied, start)
			return deniedResult(name), nil
		}

		if !confirm.Confirm(toolName, name, token) {
			desc := fmt.Sprintf("This will write the network settings of machine %q and rewrite its guest network files.", name)
			tools.LogAudit(audit, toolName, params, tools.ResultConfirm, start)
			return tools.ConfirmPrompt(confirm, toolName, name, desc), nil
		}

		mode, err := mgr.Save(ctx, name)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, tools.ResultOK, start)
		return mcp.NewToolResultText(fmt.Sprintf("network settings of machine %q saved (%s)", name, mode)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// ---------------------------------------------------------------------------
// Settings transfer
// ---------------------------------------------------------------------------

func settingsExport(mgr Manager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("settings_export",
		mcp.WithDescription("Export the adapter configuration of machines to a settings file."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("File to write"),
		),
		mcp.WithString("machines",
			mcp.Description("Comma-separated machine names; empty exports every allowed machine"),
		),
		mcp.WithBoolean("compress",
			mcp.Description("Deflate the payload"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		path := req.GetString("path", "")
		list := req.GetString("machines", "")
		compress := req.GetBool("compress", false)
		params := map[string]any{"path": path, "machines": list, "compress": compress}

		if path == "" {
			tools.LogAudit(audit, "settings_export", params, "error: path required", start)
			return tools.ErrorResult("path is required"), nil
		}

		names := splitNames(list)
		if len(names) == 0 {
			infos, err := mgr.List(ctx)
			if err != nil {
				tools.LogAudit(audit, "settings_export", params, "error: "+err.Error(), start)
				return tools.ErrorResult(err.Error()), nil
			}
			for _, info := range infos {
				if filter.IsAllowed(info.Name) {
					names = append(names, info.Name)
				}
			}
		}
		for _, n := range names {
			if !filter.IsAllowed(n) {
				tools.LogAudit(audit, "settings_export", params, tools.ResultDenied, start)
				return deniedResult(n), nil
			}
		}
		if len(names) == 0 {
			tools.LogAudit(audit, "settings_export", params, "error: nothing to export", start)
			return tools.ErrorResult("no machines to export"), nil
		}

		entries, err := mgr.Export(ctx, names)
		if err != nil {
			tools.LogAudit(audit, "settings_export", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}
		variant := settings.VariantPlain
		if compress {
			variant = settings.VariantDeflate
		}
		if err := settings.WriteFile(path, entries, variant); err != nil {
			tools.LogAudit(audit, "settings_export", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "settings_export", params, tools.ResultOK, start)
		return mcp.NewToolResultText(fmt.Sprintf("exported %d machine(s) to %s", len(entries), path)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func settingsImport(mgr Manager, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "settings_import"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Import adapter configuration from a settings file and save it to the matching machines. Requires confirmation."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Settings file to read"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		path := req.GetString("path", "")
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"path": path}

		entries, err := settings.ReadFile(path)
		if err != nil {
			msg := err.Error()
			if settings.IsFormatError(err) {
				msg = path + " is not a usable settings file: " + msg
			}
			tools.LogAudit(audit, toolName, params, "error: "+msg, start)
			return tools.ErrorResult(msg), nil
		}

		// Entries are filtered on the machine they resolve to, never on the
		// name stored in the file.
		allowed := make([]settings.Entry, 0, len(entries))
		var skipped, missing []string
		for _, e := range entries {
			id, name, err := mgr.Resolve(ctx, e)
			if errors.Is(err, hypervisor.ErrMachineNotFound) {
				missing = append(missing, e.Name)
				continue
			}
			if err != nil {
				tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
				return tools.ErrorResult(err.Error()), nil
			}
			if !filter.IsAllowed(name) {
				skipped = append(skipped, name)
				continue
			}
			e.UUID, e.Name = id, name
			allowed = append(allowed, e)
		}
		if len(allowed) == 0 {
			tools.LogAudit(audit, toolName, params, tools.ResultDenied, start)
			return tools.ErrorResult("no allowed machines in " + path), nil
		}

		if !confirm.Confirm(toolName, path, token) {
			names := make([]string, 0, len(allowed))
			for _, e := range allowed {
				names = append(names, e.Name)
			}
			desc := fmt.Sprintf("This will overwrite the network settings of %s.", strings.Join(names, ", "))
			tools.LogAudit(audit, toolName, params, tools.ResultConfirm, start)
			return tools.ConfirmPrompt(confirm, toolName, path, desc), nil
		}

		if err := mgr.Import(ctx, allowed); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, tools.ResultOK, start)
		msg := fmt.Sprintf("imported %d machine(s) from %s", len(allowed), path)
		if len(skipped) > 0 {
			msg += fmt.Sprintf("; skipped %s", strings.Join(skipped, ", "))
		}
		if len(missing) > 0 {
			msg += fmt.Sprintf("; no machine for %s", strings.Join(missing, ", "))
		}
		return mcp.NewToolResultText(msg), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func splitNames(list string) []string {
	var out []string
	for _, n := range strings.Split(list, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Host
// ---------------------------------------------------------------------------

func hostInterfaces(links hostnet.Lister, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("host_interfaces",
		mcp.WithDescription("List host network interfaces, optionally only those a bridged or host-only adapter can attach to."),
		mcp.WithString("attachment_type",
			mcp.Description("Restrict to targets of this attachment type"),
			mcp.Enum("bridged", "hostonly"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		typ := req.GetString("attachment_type", "")
		params := map[string]any{"attachment_type": typ}

		var (
			ifaces []hostnet.Interface
			err    error
		)
		if links != nil {
			ifaces, err = hostnet.ListWith(links)
		} else {
			ifaces, err = hostnet.List()
		}
		if err != nil {
			tools.LogAudit(audit, "host_interfaces", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		if typ != "" {
			t, err := hypervisor.ParseAttachmentType(typ)
			if err != nil {
				tools.LogAudit(audit, "host_interfaces", params, "error: "+err.Error(), start)
				return tools.ErrorResult(err.Error()), nil
			}
			ifaces = hostnet.Candidates(ifaces, t)
		}

		tools.LogAudit(audit, "host_interfaces", params, tools.ResultOK, start)
		return tools.JSONResult(ifaces), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
