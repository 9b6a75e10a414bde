package machines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/jamesprial/vmnetsync/internal/hostnet"
	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/hypervisor/hvtest"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
	"github.com/jamesprial/vmnetsync/internal/safety"
	"github.com/jamesprial/vmnetsync/internal/settings"
	"github.com/jamesprial/vmnetsync/internal/tools"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockManager struct {
	listFunc    func(ctx context.Context) ([]Info, error)
	startFunc   func(ctx context.Context, name string) error
	stopFunc    func(ctx context.Context, name string, force bool) error
	pauseFunc   func(ctx context.Context, name string, enable bool) error
	resetFunc   func(ctx context.Context, name string) error
	adaptFunc   func(ctx context.Context, name string, reload bool) ([]netcfg.Record, error)
	updateFunc  func(ctx context.Context, name string, slot uint32, fn func(rec *netcfg.Record) error) (netcfg.Record, error)
	saveFunc    func(ctx context.Context, name string) (SaveMode, error)
	exportFunc  func(ctx context.Context, names []string) ([]settings.Entry, error)
	importFunc  func(ctx context.Context, entries []settings.Entry) error
	resolveFunc func(ctx context.Context, e settings.Entry) (string, string, error)
	calledNames []string
}

func (m *mockManager) List(ctx context.Context) ([]Info, error) { return m.listFunc(ctx) }
func (m *mockManager) Start(ctx context.Context, name string) error {
	m.calledNames = append(m.calledNames, name)
	return m.startFunc(ctx, name)
}
func (m *mockManager) Stop(ctx context.Context, name string, force bool) error {
	m.calledNames = append(m.calledNames, name)
	return m.stopFunc(ctx, name, force)
}
func (m *mockManager) Pause(ctx context.Context, name string, enable bool) error {
	return m.pauseFunc(ctx, name, enable)
}
func (m *mockManager) Reset(ctx context.Context, name string) error { return m.resetFunc(ctx, name) }
func (m *mockManager) Adapters(ctx context.Context, name string, reload bool) ([]netcfg.Record, error) {
	return m.adaptFunc(ctx, name, reload)
}
func (m *mockManager) UpdateAdapter(ctx context.Context, name string, slot uint32, fn func(rec *netcfg.Record) error) (netcfg.Record, error) {
	return m.updateFunc(ctx, name, slot, fn)
}
func (m *mockManager) Save(ctx context.Context, name string) (SaveMode, error) {
	return m.saveFunc(ctx, name)
}
func (m *mockManager) Export(ctx context.Context, names []string) ([]settings.Entry, error) {
	return m.exportFunc(ctx, names)
}
func (m *mockManager) Import(ctx context.Context, entries []settings.Entry) error {
	return m.importFunc(ctx, entries)
}

// Resolve maps an entry onto itself unless resolveFunc is set.
func (m *mockManager) Resolve(ctx context.Context, e settings.Entry) (string, string, error) {
	if m.resolveFunc == nil {
		return e.UUID, e.Name, nil
	}
	return m.resolveFunc(ctx, e)
}

var _ Manager = (*mockManager)(nil)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func extractResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	tc, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok, "first content entry is %T", result.Content[0])
	return tc.Text
}

func findRegistration(t *testing.T, regs []tools.Registration, name string) tools.Registration {
	t.Helper()
	for _, r := range regs {
		if r.Tool.Name == name {
			return r
		}
	}
	t.Fatalf("tool %q not registered", name)
	return tools.Registration{}
}

type toolEnv struct {
	mgr     *mockManager
	confirm *safety.ConfirmationTracker
	audit   *bytes.Buffer
	regs    []tools.Registration
}

func newToolEnv(t *testing.T, mgr *mockManager, links hostnet.Lister, deny ...string) *toolEnv {
	t.Helper()
	var buf bytes.Buffer
	confirm := safety.NewConfirmationTracker(DestructiveTools)
	regs := MachineTools(mgr, links, safety.NewFilter(nil, deny), confirm, safety.NewAuditLogger(&buf))
	return &toolEnv{mgr: mgr, confirm: confirm, audit: &buf, regs: regs}
}

func (e *toolEnv) call(t *testing.T, tool string, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	reg := findRegistration(t, e.regs, tool)
	result, err := reg.Handler(context.Background(), newCallToolRequest(tool, args))
	require.NoError(t, err)
	return result, extractResultText(t, result)
}

func (e *toolEnv) auditResults(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(e.audit.String()), "\n") {
		if line == "" {
			continue
		}
		var entry safety.AuditEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry.Result)
	}
	return out
}

var tokenPattern = regexp.MustCompile(`confirmation_token="([0-9a-f]+)"`)

func tokenFrom(t *testing.T, text string) string {
	t.Helper()
	m := tokenPattern.FindStringSubmatch(text)
	require.NotNil(t, m, "no confirmation token in %q", text)
	return m[1]
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestMachineToolsRegistered(t *testing.T) {
	env := newToolEnv(t, &mockManager{}, nil)
	var names []string
	for _, r := range env.regs {
		names = append(names, r.Tool.Name)
		assert.NotNil(t, r.Handler, r.Tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"machine_list", "machine_start", "machine_stop", "machine_pause", "machine_reset",
		"netcfg_show", "netcfg_set", "netcfg_save",
		"settings_export", "settings_import", "host_interfaces",
	}, names)
}

func TestDestructiveToolsRequireToken(t *testing.T) {
	env := newToolEnv(t, &mockManager{}, nil)
	for _, name := range DestructiveTools {
		reg := findRegistration(t, env.regs, name)
		_, ok := reg.Tool.InputSchema.Properties["confirmation_token"]
		assert.True(t, ok, "%s has no confirmation_token parameter", name)
	}
}

// ---------------------------------------------------------------------------
// Machine lifecycle
// ---------------------------------------------------------------------------

func TestMachineListFiltersDenied(t *testing.T) {
	mgr := &mockManager{listFunc: func(context.Context) ([]Info, error) {
		return []Info{
			{ID: "1", Name: "db01", State: hypervisor.MachineStateRunning, Chipset: "PIIX3"},
			{ID: "2", Name: "router", State: hypervisor.MachineStatePoweredOff, Chipset: "ICH9"},
		}, nil
	}}
	env := newToolEnv(t, mgr, nil, "router")

	result, text := env.call(t, "machine_list", nil)
	require.False(t, result.IsError)

	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "db01", got[0]["name"])
	assert.Equal(t, hypervisor.MachineStateRunning.String(), got[0]["state"])
}

func TestMachineListError(t *testing.T) {
	mgr := &mockManager{listFunc: func(context.Context) ([]Info, error) {
		return nil, errors.New("connection lost")
	}}
	env := newToolEnv(t, mgr, nil)

	result, text := env.call(t, "machine_list", nil)
	assert.True(t, result.IsError)
	assert.Equal(t, "error: connection lost", text)
	assert.Equal(t, []string{"error: connection lost"}, env.auditResults(t))
}

func TestMachineStartDenied(t *testing.T) {
	mgr := &mockManager{startFunc: func(context.Context, string) error { return nil }}
	env := newToolEnv(t, mgr, nil, "router")

	result, text := env.call(t, "machine_start", map[string]any{"name": "router"})
	assert.True(t, result.IsError)
	assert.Contains(t, text, "not allowed")
	assert.Empty(t, mgr.calledNames)
	assert.Equal(t, []string{tools.ResultDenied}, env.auditResults(t))
}

func TestMachineStart(t *testing.T) {
	mgr := &mockManager{startFunc: func(context.Context, string) error { return nil }}
	env := newToolEnv(t, mgr, nil)

	_, text := env.call(t, "machine_start", map[string]any{"name": "web01"})
	assert.Equal(t, `machine "web01" started`, text)
	assert.Equal(t, []string{"web01"}, mgr.calledNames)
}

func TestMachineStopConfirmationFlow(t *testing.T) {
	var gotForce bool
	mgr := &mockManager{stopFunc: func(_ context.Context, _ string, force bool) error {
		gotForce = force
		return nil
	}}
	env := newToolEnv(t, mgr, nil)
	args := map[string]any{"name": "web01", "force": true}

	result, text := env.call(t, "machine_stop", args)
	require.False(t, result.IsError)
	assert.Contains(t, text, "Confirmation required")
	assert.Contains(t, text, "cut power")
	assert.Empty(t, mgr.calledNames)

	token := tokenFrom(t, text)

	// A token issued for web01 does not stop another machine.
	_, text = env.call(t, "machine_stop", map[string]any{"name": "db01", "confirmation_token": token})
	assert.Contains(t, text, "Confirmation required")
	assert.Empty(t, mgr.calledNames)

	_, text = env.call(t, "machine_stop", args)
	token = tokenFrom(t, text)
	args["confirmation_token"] = token
	_, text = env.call(t, "machine_stop", args)
	assert.Equal(t, `machine "web01" powered off`, text)
	assert.Equal(t, []string{"web01"}, mgr.calledNames)
	assert.True(t, gotForce)

	// Tokens are single use.
	_, text = env.call(t, "machine_stop", args)
	assert.Contains(t, text, "Confirmation required")

	results := env.auditResults(t)
	assert.Contains(t, results, tools.ResultConfirm)
	assert.Contains(t, results, tools.ResultOK)
	assert.NotContains(t, env.audit.String(), token, "tokens must not reach the audit log")
}

func TestMachinePause(t *testing.T) {
	var enabled []bool
	mgr := &mockManager{pauseFunc: func(_ context.Context, _ string, enable bool) error {
		enabled = append(enabled, enable)
		return nil
	}}
	env := newToolEnv(t, mgr, nil)

	_, text := env.call(t, "machine_pause", map[string]any{"name": "web01"})
	assert.Equal(t, `machine "web01" paused`, text)
	_, text = env.call(t, "machine_pause", map[string]any{"name": "web01", "resume": true})
	assert.Equal(t, `machine "web01" resumed`, text)
	assert.Equal(t, []bool{true, false}, enabled)
}

func TestMachineResetError(t *testing.T) {
	mgr := &mockManager{resetFunc: func(context.Context, string) error {
		return hypervisor.ErrNotRunning
	}}
	env := newToolEnv(t, mgr, nil)

	_, text := env.call(t, "machine_reset", map[string]any{"name": "web01"})
	token := tokenFrom(t, text)

	result, text := env.call(t, "machine_reset", map[string]any{"name": "web01", "confirmation_token": token})
	assert.True(t, result.IsError)
	assert.Contains(t, text, hypervisor.ErrNotRunning.Error())
}

// ---------------------------------------------------------------------------
// Network configuration
// ---------------------------------------------------------------------------

func sampleRecords() []netcfg.Record {
	return []netcfg.Record{
		{Slot: 0, Enabled: true, CableConnected: true, MAC: "08:00:27:C9:2D:87", AttachmentType: hypervisor.AttachmentBridged, AttachmentData: "br0", Name: "eth0", LastValidName: "eth0"},
		{Slot: 1, CableConnected: true, AttachmentType: hypervisor.AttachmentNAT, Name: "eth1", LastValidName: "eth1"},
	}
}

func TestNetcfgShow(t *testing.T) {
	var reloads []bool
	mgr := &mockManager{adaptFunc: func(_ context.Context, _ string, reload bool) ([]netcfg.Record, error) {
		reloads = append(reloads, reload)
		return sampleRecords(), nil
	}}
	env := newToolEnv(t, mgr, nil)

	_, text := env.call(t, "netcfg_show", map[string]any{"name": "web01"})
	var got []netcfg.Record
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	require.Len(t, got, 1, "disabled adapters hidden by default")
	assert.Equal(t, "eth0", got[0].Name)

	_, text = env.call(t, "netcfg_show", map[string]any{"name": "web01", "all": true, "reload": true})
	got = nil
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	assert.Len(t, got, 2)
	assert.Equal(t, []bool{false, true}, reloads)
}

func TestNetcfgSet(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
		check   func(t *testing.T, rec netcfg.Record)
	}{
		{
			name: "enable with address",
			args: map[string]any{"slot": 1, "enabled": true, "ip": "10.0.0.7", "subnet_mask": "24"},
			check: func(t *testing.T, rec netcfg.Record) {
				assert.True(t, rec.Enabled)
				assert.Equal(t, "10.0.0.7", rec.IP)
				assert.Equal(t, "255.255.255.0", rec.SubnetMask)
			},
		},
		{
			name: "type change drops old target",
			args: map[string]any{"slot": 0, "attachment_type": "internal"},
			check: func(t *testing.T, rec netcfg.Record) {
				assert.Equal(t, hypervisor.AttachmentInternal, rec.AttachmentType)
				assert.Empty(t, rec.AttachmentData)
			},
		},
		{
			name: "type and target together",
			args: map[string]any{"slot": 0, "attachment_type": "hostonly", "attachment_data": "vboxnet0"},
			check: func(t *testing.T, rec netcfg.Record) {
				assert.Equal(t, hypervisor.AttachmentHostOnly, rec.AttachmentType)
				assert.Equal(t, "vboxnet0", rec.AttachmentData)
			},
		},
		{
			name: "target only keeps type",
			args: map[string]any{"slot": 0, "attachment_data": "br1"},
			check: func(t *testing.T, rec netcfg.Record) {
				assert.Equal(t, hypervisor.AttachmentBridged, rec.AttachmentType)
				assert.Equal(t, "br1", rec.AttachmentData)
			},
		},
		{
			name: "mac and name",
			args: map[string]any{"slot": 0, "mac": "08-00-27-aa-bb-cc", "interface_name": "lan0", "cable_connected": false},
			check: func(t *testing.T, rec netcfg.Record) {
				assert.Equal(t, "08:00:27:AA:BB:CC", rec.MAC)
				assert.Equal(t, "lan0", rec.Name)
				assert.False(t, rec.CableConnected)
			},
		},
		{name: "bad mac", args: map[string]any{"slot": 0, "mac": "zz"}, wantErr: "error: "},
		{name: "bad name", args: map[string]any{"slot": 0, "interface_name": "eth-0"}, wantErr: "error: "},
		{name: "bad type", args: map[string]any{"slot": 0, "attachment_type": "wifi"}, wantErr: "error: "},
		{name: "missing slot", args: map[string]any{"enabled": true}, wantErr: "error: slot must be a non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &mockManager{updateFunc: func(_ context.Context, _ string, slot uint32, fn func(rec *netcfg.Record) error) (netcfg.Record, error) {
				rec := sampleRecords()[slot]
				if err := fn(&rec); err != nil {
					return netcfg.Record{}, err
				}
				return rec, nil
			}}
			env := newToolEnv(t, mgr, nil)

			args := map[string]any{"name": "web01"}
			for k, v := range tt.args {
				args[k] = v
			}
			result, text := env.call(t, "netcfg_set", args)

			if tt.wantErr != "" {
				assert.True(t, result.IsError)
				assert.True(t, strings.HasPrefix(text, tt.wantErr), text)
				return
			}
			require.False(t, result.IsError, text)
			var rec netcfg.Record
			require.NoError(t, json.Unmarshal([]byte(text), &rec))
			tt.check(t, rec)
		})
	}
}

func TestNetcfgSaveReportsMode(t *testing.T) {
	mgr := &mockManager{saveFunc: func(context.Context, string) (SaveMode, error) {
		return SaveRuntime, nil
	}}
	env := newToolEnv(t, mgr, nil)

	_, text := env.call(t, "netcfg_save", map[string]any{"name": "web01"})
	token := tokenFrom(t, text)
	_, text = env.call(t, "netcfg_save", map[string]any{"name": "web01", "confirmation_token": token})
	assert.Equal(t, `network settings of machine "web01" saved (runtime)`, text)
}

// ---------------------------------------------------------------------------
// Settings transfer
// ---------------------------------------------------------------------------

func TestSettingsExportAndImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.vns")
	var imported []settings.Entry
	mgr := &mockManager{
		listFunc: func(context.Context) ([]Info, error) {
			return []Info{{Name: "db01"}, {Name: "router"}, {Name: "web01"}}, nil
		},
		exportFunc: func(_ context.Context, names []string) ([]settings.Entry, error) {
			out := make([]settings.Entry, 0, len(names))
			for _, n := range names {
				out = append(out, settings.Entry{Name: n, UUID: n + "-id", Adapters: sampleRecords()})
			}
			return out, nil
		},
		importFunc: func(_ context.Context, entries []settings.Entry) error {
			imported = entries
			return nil
		},
	}
	env := newToolEnv(t, mgr, nil, "router")

	_, text := env.call(t, "settings_export", map[string]any{"path": path, "compress": true})
	assert.Equal(t, "exported 2 machine(s) to "+path, text)

	entries, err := settings.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "db01", entries[0].Name)
	assert.Equal(t, "web01", entries[1].Name)

	_, text = env.call(t, "settings_import", map[string]any{"path": path})
	assert.Contains(t, text, "db01, web01")
	token := tokenFrom(t, text)

	_, text = env.call(t, "settings_import", map[string]any{"path": path, "confirmation_token": token})
	assert.Equal(t, "imported 2 machine(s) from "+path, text)
	require.Len(t, imported, 2)
	assert.Equal(t, sampleRecords(), imported[1].Adapters)
}

func TestSettingsExportDeniedName(t *testing.T) {
	env := newToolEnv(t, &mockManager{}, nil, "router")

	result, text := env.call(t, "settings_export", map[string]any{
		"path":     filepath.Join(t.TempDir(), "x"),
		"machines": "web01, router",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, text, `"router"`)
}

func TestSettingsImportSkipsDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.vns")
	require.NoError(t, settings.WriteFile(path, []settings.Entry{
		{Name: "router", UUID: "r"},
		{Name: "web01", UUID: "w"},
	}, settings.VariantPlain))

	var imported []settings.Entry
	mgr := &mockManager{importFunc: func(_ context.Context, entries []settings.Entry) error {
		imported = entries
		return nil
	}}
	env := newToolEnv(t, mgr, nil, "router")

	_, text := env.call(t, "settings_import", map[string]any{"path": path})
	token := tokenFrom(t, text)
	_, text = env.call(t, "settings_import", map[string]any{"path": path, "confirmation_token": token})

	assert.Equal(t, "imported 1 machine(s) from "+path+"; skipped router", text)
	require.Len(t, imported, 1)
	assert.Equal(t, "web01", imported[0].Name)
}

func TestSettingsImportFiltersResolvedMachine(t *testing.T) {
	f := newFixture(t, 0)
	var buf bytes.Buffer
	confirm := safety.NewConfirmationTracker(DestructiveTools)
	regs := MachineTools(f.reg, nil, safety.NewFilter(nil, []string{"db01"}), confirm, safety.NewAuditLogger(&buf))
	env := &toolEnv{confirm: confirm, audit: &buf, regs: regs}

	// The entry claims to be web01 but carries db01's UUID.
	rec := netcfg.Record{Slot: 0, Enabled: true, CableConnected: true, MAC: "08:00:27:00:00:01",
		AttachmentType: hypervisor.AttachmentBridged, AttachmentData: "evilbr", Name: "eth0"}
	path := filepath.Join(t.TempDir(), "net.vns")
	require.NoError(t, settings.WriteFile(path, []settings.Entry{
		{Name: "web01", UUID: dbID, Adapters: []netcfg.Record{rec}},
	}, settings.VariantPlain))

	result, text := env.call(t, "settings_import", map[string]any{"path": path})
	assert.True(t, result.IsError)
	assert.Contains(t, text, "no allowed machines")

	f.conn.Update(dbID, func(vm *hvtest.VM) {
		assert.False(t, vm.Adapters[0].Enabled)
		assert.Empty(t, vm.Adapters[0].Data[hypervisor.AttachmentBridged])
		assert.Zero(t, vm.SavedCount)
	})
	f.conn.Update(webID, func(vm *hvtest.VM) { assert.Zero(t, vm.SavedCount) })
	assert.Equal(t, []string{tools.ResultDenied}, env.auditResults(t))
}

func TestSettingsImportTargetsResolvedMachine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.vns")
	require.NoError(t, settings.WriteFile(path, []settings.Entry{
		{Name: "old-name", UUID: "w"},
		{Name: "ghost", UUID: "g"},
	}, settings.VariantPlain))

	var imported []settings.Entry
	mgr := &mockManager{
		resolveFunc: func(_ context.Context, e settings.Entry) (string, string, error) {
			if e.UUID == "w" {
				return webID, "web01", nil
			}
			return "", "", hypervisor.ErrMachineNotFound
		},
		importFunc: func(_ context.Context, entries []settings.Entry) error {
			imported = entries
			return nil
		},
	}
	env := newToolEnv(t, mgr, nil)

	_, text := env.call(t, "settings_import", map[string]any{"path": path})
	assert.Contains(t, text, "web01")
	token := tokenFrom(t, text)
	_, text = env.call(t, "settings_import", map[string]any{"path": path, "confirmation_token": token})

	assert.Equal(t, "imported 1 machine(s) from "+path+"; no machine for ghost", text)
	require.Len(t, imported, 1)
	assert.Equal(t, webID, imported[0].UUID)
	assert.Equal(t, "web01", imported[0].Name)
}

func TestSettingsImportNotASettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a settings blob"), 0o600))
	env := newToolEnv(t, &mockManager{}, nil)

	result, text := env.call(t, "settings_import", map[string]any{"path": path})
	assert.True(t, result.IsError)
	assert.Contains(t, text, "is not a usable settings file")
}

func TestSettingsImportBadFile(t *testing.T) {
	env := newToolEnv(t, &mockManager{}, nil)

	result, text := env.call(t, "settings_import", map[string]any{"path": filepath.Join(t.TempDir(), "missing")})
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(text, "error: "))
}

// ---------------------------------------------------------------------------
// Host
// ---------------------------------------------------------------------------

func TestHostInterfaces(t *testing.T) {
	links := func() ([]netlink.Link, error) {
		return []netlink.Link{
			&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "br0", Index: 3}},
			&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "vboxnet0", Index: 4}},
		}, nil
	}
	env := newToolEnv(t, &mockManager{}, links)

	_, text := env.call(t, "host_interfaces", map[string]any{"attachment_type": "hostonly"})
	var got []hostnet.Interface
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "vboxnet0", got[0].Name)

	_, text = env.call(t, "host_interfaces", map[string]any{"attachment_type": "bridged"})
	got = nil
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	var names []string
	for _, i := range got {
		names = append(names, i.Name)
	}
	assert.Contains(t, names, "br0")
	assert.NotContains(t, names, "vboxnet0")
}

func TestHostInterfacesListError(t *testing.T) {
	links := func() ([]netlink.Link, error) { return nil, errors.New("netlink: permission denied") }
	env := newToolEnv(t, &mockManager{}, links)

	result, text := env.call(t, "host_interfaces", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, text, "permission denied")
}
