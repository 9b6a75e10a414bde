package machines

import (
	"context"

	"github.com/jamesprial/vmnetsync/internal/netcfg"
	"github.com/jamesprial/vmnetsync/internal/settings"
)

// Manager is the machine control surface the MCP tools use. *Registry
// implements it.
type Manager interface {
	List(ctx context.Context) ([]Info, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, force bool) error
	Pause(ctx context.Context, name string, enable bool) error
	Reset(ctx context.Context, name string) error
	Adapters(ctx context.Context, name string, reload bool) ([]netcfg.Record, error)
	UpdateAdapter(ctx context.Context, name string, slot uint32, fn func(rec *netcfg.Record) error) (netcfg.Record, error)
	Save(ctx context.Context, name string) (SaveMode, error)
	Export(ctx context.Context, names []string) ([]settings.Entry, error)
	Import(ctx context.Context, entries []settings.Entry) error
	// Resolve reports the UUID and actual name of the machine Import would
	// apply e to.
	Resolve(ctx context.Context, e settings.Entry) (id, name string, err error)
}

var _ Manager = (*Registry)(nil)

// DestructiveTools lists the tools that require a confirmation token.
var DestructiveTools = []string{
	"machine_stop",
	"machine_reset",
	"netcfg_save",
	"settings_import",
}
