package machines

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/vmnetsync/internal/adapters"
	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/hypervisor/hvtest"
	"github.com/jamesprial/vmnetsync/internal/mount"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
	"github.com/jamesprial/vmnetsync/internal/session"
	"github.com/jamesprial/vmnetsync/internal/settings"
)

const (
	webID = "6f1c8a52-7d0e-4d8b-9a0c-1b2f3e4d5a6b"
	dbID  = "0b3c1f44-2a57-4c1e-8f2d-9e6a7b5c4d3e"
)

// helperRecorder stands in for the privileged mount helper and always
// succeeds.
type helperRecorder struct {
	mu    sync.Mutex
	verbs []string
}

func (h *helperRecorder) Run(argv []string, _ bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.verbs = append(h.verbs, argv[1])
	return 0
}

func (h *helperRecorder) Verbs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.verbs...)
}

type fixture struct {
	reg    *Registry
	conn   *hvtest.Conn
	web    *hvtest.VM
	db     *hvtest.VM
	helper *helperRecorder
}

// newFixture registers web01 (slot 0 bridged to br0, slot 1 disabled) and
// db01 (both slots disabled), two adapter slots each.
func newFixture(t *testing.T, queueSize int) *fixture {
	t.Helper()
	conn := hvtest.New()
	conn.SetMaxAdapters(hypervisor.ChipsetPIIX3, 2)

	web := conn.AddMachine(webID, "web01", hypervisor.ChipsetPIIX3)
	web.Disks = []string{"/images/web01.img"}
	web.Adapters[0].Enabled = true
	web.Adapters[0].MAC = "080027C92D87"
	web.Adapters[0].Type = hypervisor.AttachmentBridged
	web.Adapters[0].Data[hypervisor.AttachmentBridged] = "br0"
	web.Adapters[1].MAC = "080027C92D88"

	db := conn.AddMachine(dbID, "db01", hypervisor.ChipsetPIIX3)
	db.Adapters[0].MAC = "080027000001"

	helper := &helperRecorder{}
	reg := New(conn, &hypervisor.Gate{}, Config{
		Helper:       &mount.Helper{Path: "vmnetsync-mount", Runner: helper},
		MountRoot:    t.TempDir(),
		Devices:      4,
		Partitions:   8,
		Layout:       adapters.DefaultLayout,
		PollInterval: time.Millisecond,
		QueueSize:    queueSize,
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	return &fixture{reg: reg, conn: conn, web: web, db: db, helper: helper}
}

// run starts the event loop until the test ends.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.reg.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) state(vm *hvtest.VM) hypervisor.MachineState {
	var st hypervisor.MachineState
	f.conn.Update(vm.ID, func(v *hvtest.VM) { st = v.State })
	return st
}

func (f *fixture) hasSession(t *testing.T, id string) bool {
	t.Helper()
	m := f.reg.lookup(id)
	require.NotNil(t, m)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl.HasSession()
}

func TestRegistryList(t *testing.T) {
	f := newFixture(t, 0)
	f.web.Chipset = hypervisor.ChipsetICH9

	infos, err := f.reg.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Info{
		{ID: dbID, Name: "db01", State: hypervisor.MachineStatePoweredOff, Chipset: "PIIX3"},
		{ID: webID, Name: "web01", State: hypervisor.MachineStatePoweredOff, Chipset: "ICH9"},
	}, infos)
}

func TestRegistryGet(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	byName, err := f.reg.Get(ctx, "web01")
	require.NoError(t, err)
	byID, err := f.reg.Get(ctx, webID)
	require.NoError(t, err)

	assert.Same(t, byName, byID)
	assert.Equal(t, webID, byName.ID())
	assert.Equal(t, "web01", byName.Name())
	assert.Equal(t, "/images/web01.img", byName.mounts.Image())

	_, err = f.reg.Get(ctx, "nope")
	assert.ErrorIs(t, err, hypervisor.ErrMachineNotFound)
}

func TestRegistryStartAndForceStop(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.reg.Start(ctx, "web01"))
	assert.Equal(t, hypervisor.MachineStateRunning, f.state(f.web))

	require.NoError(t, f.reg.Stop(ctx, "web01", true))
	assert.Equal(t, hypervisor.MachineStatePoweredOff, f.state(f.web))
	assert.Contains(t, f.conn.Calls(), "PowerDown web01")
}

func TestRegistryStartRunningConflicts(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.reg.Start(ctx, "web01"))
	err := f.reg.Start(ctx, "web01")
	assert.ErrorIs(t, err, session.ErrStateConflict)
}

func TestRegistryStopAttachesToForeignMachine(t *testing.T) {
	f := newFixture(t, 0)
	f.conn.Update(webID, func(vm *hvtest.VM) { vm.State = hypervisor.MachineStateRunning })

	require.NoError(t, f.reg.Stop(context.Background(), "web01", false))

	calls := f.conn.Calls()
	assert.Contains(t, calls, "LockMachine web01 shared")
	assert.Contains(t, calls, "PowerButton web01")
	assert.Equal(t, hypervisor.MachineStateStopping, f.state(f.web))
}

func TestRegistryStopPoweredOff(t *testing.T) {
	f := newFixture(t, 0)

	err := f.reg.Stop(context.Background(), "web01", false)
	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.NotContains(t, f.conn.Calls(), "LockMachine web01 shared")
}

func TestRegistryPauseResumeReset(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.reg.Start(ctx, "web01"))

	require.NoError(t, f.reg.Pause(ctx, "web01", true))
	assert.Equal(t, hypervisor.MachineStatePaused, f.state(f.web))
	require.NoError(t, f.reg.Pause(ctx, "web01", false))
	assert.Equal(t, hypervisor.MachineStateRunning, f.state(f.web))
	require.NoError(t, f.reg.Reset(ctx, "web01"))
	assert.Contains(t, f.conn.Calls(), "Reset web01")
}

func TestRegistryPowerOffEventReleasesSession(t *testing.T) {
	f := newFixture(t, 0)
	f.run(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Start(ctx, "web01"))
	require.True(t, f.hasSession(t, webID))

	f.conn.PowerOff(ctx, webID)

	assert.Eventually(t, func() bool { return !f.hasSession(t, webID) }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.reg.Start(ctx, "web01"), "machine should be startable again")
}

func TestRegistryAdapterChangedRefreshesRecord(t *testing.T) {
	f := newFixture(t, 0)
	f.run(t)
	ctx := context.Background()

	recs, err := f.reg.Adapters(ctx, "web01", false)
	require.NoError(t, err)
	require.Equal(t, hypervisor.AttachmentBridged, recs[0].AttachmentType)

	f.conn.ChangeAdapter(ctx, webID, 0, func(a *hvtest.Adapter) {
		a.Type = hypervisor.AttachmentNAT
	})

	assert.Eventually(t, func() bool {
		recs, err := f.reg.Adapters(ctx, "web01", false)
		return err == nil && recs[0].AttachmentType == hypervisor.AttachmentNAT
	}, time.Second, 5*time.Millisecond)
}

func TestRegistryAdapterChangedBeforePopulateIgnored(t *testing.T) {
	f := newFixture(t, 0)
	f.run(t)
	ctx := context.Background()

	_, err := f.reg.Get(ctx, "web01")
	require.NoError(t, err)
	f.conn.ChangeAdapter(ctx, webID, 0, func(a *hvtest.Adapter) { a.Cable = false })

	assert.Eventually(t, func() bool { return len(f.reg.queue.C) == 0 }, time.Second, 5*time.Millisecond)
	m := f.reg.lookup(webID)
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.False(t, m.engine.Populated())
}

func TestRegistryEventQueueDropsWhenFull(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.reg.Get(ctx, "web01")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.conn.ChangeAdapter(ctx, webID, 0, func(a *hvtest.Adapter) { a.Cable = false })
		f.conn.ChangeAdapter(ctx, webID, 1, func(a *hvtest.Adapter) { a.Cable = false })
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}
	assert.Len(t, f.reg.queue.C, 1)
}

func TestRegistryUpdateAdapter(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	rec, err := f.reg.UpdateAdapter(ctx, "web01", 1, func(r *netcfg.Record) error {
		r.Enabled = true
		return r.SetIP("192.168.10.5")
	})
	require.NoError(t, err)
	assert.True(t, rec.Enabled)
	assert.Equal(t, "192.168.10.5", rec.IP)

	recs, err := f.reg.Adapters(ctx, "web01", false)
	require.NoError(t, err)
	assert.Equal(t, rec, recs[1])

	_, err = f.reg.UpdateAdapter(ctx, "web01", 7, func(*netcfg.Record) error { return nil })
	assert.ErrorIs(t, err, hypervisor.ErrNoSuchSlot)

	var enabled bool
	f.conn.Update(webID, func(vm *hvtest.VM) { enabled = vm.Adapters[1].Enabled })
	assert.False(t, enabled, "edits stay in memory until saved")
}

func TestRegistrySaveModes(t *testing.T) {
	ctx := context.Background()

	t.Run("not populated", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.reg.Save(ctx, "web01")
		assert.ErrorIs(t, err, adapters.ErrNotPopulated)
	})

	t.Run("powered off saves everything", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.reg.UpdateAdapter(ctx, "web01", 1, func(r *netcfg.Record) error {
			r.Enabled = true
			return nil
		})
		require.NoError(t, err)

		mode, err := f.reg.Save(ctx, "web01")
		require.NoError(t, err)
		assert.Equal(t, SaveFull, mode)

		f.conn.Update(webID, func(vm *hvtest.VM) {
			assert.Equal(t, 1, vm.SavedCount)
			assert.True(t, vm.Adapters[1].Enabled)
		})
	})

	t.Run("running saves attachment only", func(t *testing.T) {
		f := newFixture(t, 0)
		require.NoError(t, f.reg.Start(ctx, "web01"))
		_, err := f.reg.UpdateAdapter(ctx, "web01", 0, func(r *netcfg.Record) error {
			return r.SetAttachment(hypervisor.AttachmentBridged, "br1")
		})
		require.NoError(t, err)

		mode, err := f.reg.Save(ctx, "web01")
		require.NoError(t, err)
		assert.Equal(t, SaveRuntime, mode)

		f.conn.Update(webID, func(vm *hvtest.VM) {
			assert.Equal(t, 0, vm.SavedCount)
			assert.Equal(t, "br1", vm.Adapters[0].Data[hypervisor.AttachmentBridged])
		})
	})

	t.Run("stopping conflicts", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.reg.Adapters(ctx, "web01", false)
		require.NoError(t, err)
		f.conn.Update(webID, func(vm *hvtest.VM) { vm.State = hypervisor.MachineStateStopping })

		_, err = f.reg.Save(ctx, "web01")
		assert.ErrorIs(t, err, session.ErrStateConflict)
	})
}

func TestRegistryExportImport(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	entries, err := f.reg.Export(ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "db01", entries[0].Name)
	assert.Equal(t, dbID, entries[0].UUID)
	assert.Equal(t, "web01", entries[1].Name)
	require.Len(t, entries[1].Adapters, 2)

	web := entries[1]
	web.Name = "renamed-elsewhere"
	web.Adapters[1].Enabled = true

	db := entries[0]
	db.UUID = ""
	db.Adapters[0].Enabled = true

	ghost := settings.Entry{Name: "ghost", UUID: "5a0d4c8e-0000-4000-8000-000000000000"}

	err = f.reg.Import(ctx, []settings.Entry{web, db, ghost})
	require.Error(t, err)
	assert.ErrorIs(t, err, hypervisor.ErrMachineNotFound)
	assert.Contains(t, err.Error(), "ghost")

	f.conn.Update(webID, func(vm *hvtest.VM) {
		assert.True(t, vm.Adapters[1].Enabled, "web01 matched by UUID")
		assert.Equal(t, 1, vm.SavedCount)
	})
	f.conn.Update(dbID, func(vm *hvtest.VM) {
		assert.True(t, vm.Adapters[0].Enabled, "db01 matched by name")
		assert.Equal(t, 1, vm.SavedCount)
	})
}

func TestRegistryExportNamed(t *testing.T) {
	f := newFixture(t, 0)

	entries, err := f.reg.Export(context.Background(), []string{"web01"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, webID, entries[0].UUID)

	_, err = f.reg.Export(context.Background(), []string{"nope"})
	assert.ErrorIs(t, err, hypervisor.ErrMachineNotFound)
}

func TestRegistryPrepareAndClose(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.reg.Prepare(ctx))
	assert.Equal(t, []string{"check", "load"}, f.helper.Verbs())

	_, err := f.reg.Adapters(ctx, "web01", false)
	require.NoError(t, err)

	require.NoError(t, f.reg.Close(ctx))
	verbs := f.helper.Verbs()
	assert.Equal(t, "unload", verbs[len(verbs)-1])
	assert.Nil(t, f.reg.lookup(webID))

	require.NoError(t, f.reg.Close(ctx), "second close is a no-op")
	assert.Equal(t, verbs, f.helper.Verbs())
}

func TestRegistryResolvePrefersUUID(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	id, name, err := f.reg.Resolve(ctx, settings.Entry{Name: "web01", UUID: dbID})
	require.NoError(t, err)
	assert.Equal(t, dbID, id)
	assert.Equal(t, "db01", name)

	id, name, err = f.reg.Resolve(ctx, settings.Entry{Name: "web01", UUID: "not-a-uuid"})
	require.NoError(t, err)
	assert.Equal(t, webID, id)
	assert.Equal(t, "web01", name)

	_, _, err = f.reg.Resolve(ctx, settings.Entry{Name: "ghost"})
	assert.ErrorIs(t, err, hypervisor.ErrMachineNotFound)
}

func TestRegistryEventSinks(t *testing.T) {
	f := newFixture(t, 1)

	require.NoError(t, f.reg.adapterSink.Write(hypervisor.Event{Kind: hypervisor.EventMachineState, MachineID: webID}))
	assert.Empty(t, f.reg.queue.C, "state events do not pass the adapter sink")

	require.NoError(t, f.reg.adapterSink.Write(hypervisor.Event{Kind: hypervisor.EventAdapterChanged, MachineID: webID}))
	assert.ErrorIs(t, f.reg.stateSink.Write(hypervisor.Event{Kind: hypervisor.EventMachineState, MachineID: webID}), ErrQueueFull)
	assert.Len(t, f.reg.queue.C, 1)
}
