package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// testdataDir returns the absolute path to the testdata/config directory.
func testdataDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "testdata", "config"))
	if err != nil {
		t.Fatalf("failed to resolve testdata dir: %v", err)
	}
	return dir
}

// writeTempFile creates a temporary file with the given content and returns its path.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file %s: %v", path, err)
	}
	return path
}

func Test_LoadConfig_Cases(t *testing.T) {
	tests := []struct {
		name        string
		setupPath   func(t *testing.T) string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid config loads all fields",
			setupPath: func(t *testing.T) string {
				return filepath.Join(testdataDir(t), "valid.yaml")
			},
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				want := &Config{
					Server: ServerConfig{Port: 9090, AuthToken: "test-secret-token"},
					Hypervisor: HypervisorConfig{
						LibvirtSocket:    "/custom/libvirt-sock",
						URI:              "qemu:///system",
						KeepaliveSeconds: 10,
					},
					Helper: HelperConfig{Path: "/usr/local/sbin/vmnetsync-mount", SearchPath: false},
					Mount: MountConfig{
						Root:            "/custom/mnt",
						SystemPartition: 2,
						NBDDevices:      4,
						NBDPartitions:   16,
					},
					Guest: GuestConfig{
						UdevRules:      "etc/udev/rules.d/70-persistent-net.rules",
						NetworkScripts: "etc/sysconfig/network-scripts",
					},
					Safety: SafetyConfig{VMs: ResourceFilter{
						Allowlist: []string{"web-*", "db"},
						Denylist:  []string{"web-legacy"},
					}},
					Audit:   AuditConfig{Enabled: false, LogPath: "/custom/audit.log"},
					Metrics: MetricsConfig{Enabled: false, Path: "/custom-metrics"},
					Store:   StoreConfig{Path: "/custom/state.db"},
					Log:     LogConfig{Level: "debug", Format: "json"},
				}
				if !reflect.DeepEqual(cfg, want) {
					t.Errorf("LoadConfig() =\n%+v\nwant\n%+v", cfg, want)
				}
			},
		},
		{
			name: "partial config keeps defaults",
			setupPath: func(t *testing.T) string {
				return filepath.Join(testdataDir(t), "partial.yaml")
			},
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				want := DefaultConfig()
				want.Log.Level = "warn"
				if !reflect.DeepEqual(cfg, want) {
					t.Errorf("LoadConfig() =\n%+v\nwant\n%+v", cfg, want)
				}
			},
		},
		{
			name: "missing file returns error",
			setupPath: func(t *testing.T) string {
				return "/nonexistent/path/config.yaml"
			},
			wantErr:     true,
			errContains: "no such file",
		},
		{
			name: "invalid YAML returns unmarshal error",
			setupPath: func(t *testing.T) string {
				return filepath.Join(testdataDir(t), "invalid.yaml")
			},
			wantErr:     true,
			errContains: "unmarshal",
		},
		{
			name: "empty file returns defaults",
			setupPath: func(t *testing.T) string {
				return writeTempFile(t, "empty.yaml", "")
			},
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if !reflect.DeepEqual(cfg, DefaultConfig()) {
					t.Errorf("LoadConfig() = %+v, want defaults", cfg)
				}
			},
		},
		{
			name: "wrong type for port returns error",
			setupPath: func(t *testing.T) string {
				return writeTempFile(t, "bad.yaml", "server:\n  port: eighty\n")
			},
			wantErr:     true,
			errContains: "unmarshal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(tt.setupPath(t))
			if tt.wantErr {
				if err == nil {
					t.Fatal("LoadConfig() expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("LoadConfig() error = %q, want it to contain %q", err, tt.errContains)
				}
				if cfg != nil {
					t.Error("LoadConfig() expected nil config on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfig() unexpected error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func Test_DefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Server.Port", cfg.Server.Port, 8080},
		{"Server.AuthToken", cfg.Server.AuthToken, ""},
		{"Hypervisor.LibvirtSocket", cfg.Hypervisor.LibvirtSocket, "/var/run/libvirt/libvirt-sock"},
		{"Hypervisor.KeepaliveSeconds", cfg.Hypervisor.KeepaliveSeconds, 30},
		{"Helper.Path", cfg.Helper.Path, "vmnetsync-mount"},
		{"Helper.SearchPath", cfg.Helper.SearchPath, true},
		{"Mount.SystemPartition", cfg.Mount.SystemPartition, 1},
		{"Audit.Enabled", cfg.Audit.Enabled, true},
		{"Metrics.Path", cfg.Metrics.Path, "/metrics"},
		{"Log.Level", cfg.Log.Level, "info"},
		{"Log.Format", cfg.Log.Format, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func Test_DefaultConfig_ReturnsNewInstance(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	if a == b {
		t.Fatal("DefaultConfig() returned the same pointer twice")
	}
	a.Server.Port = 1
	if b.Server.Port == 1 {
		t.Error("mutating one DefaultConfig() result affected another")
	}
}

func Test_Config_Layout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mount.SystemPartition = 3
	cfg.Guest.UdevRules = "rules"
	cfg.Guest.NetworkScripts = "scripts"

	got := cfg.Layout()
	if got.SystemPartition != 3 || got.UdevRules != "rules" || got.NetworkScripts != "scripts" {
		t.Errorf("Layout() = %+v", got)
	}
}

func Test_Config_KeepaliveInterval(t *testing.T) {
	tests := []struct {
		seconds int
		want    time.Duration
	}{
		{seconds: 30, want: 30 * time.Second},
		{seconds: 1, want: time.Second},
		{seconds: 0, want: 0},
		{seconds: -5, want: 0},
	}
	for _, tt := range tests {
		cfg := &Config{Hypervisor: HypervisorConfig{KeepaliveSeconds: tt.seconds}}
		if got := cfg.KeepaliveInterval(); got != tt.want {
			t.Errorf("KeepaliveInterval() with %d = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}
