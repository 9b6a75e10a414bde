// Package config provides configuration loading and defaults for vmnetsync.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jamesprial/vmnetsync/internal/adapters"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
)

// DefaultPath is read when neither --config nor VMNETSYNC_CONFIG_PATH is set.
const DefaultPath = "/etc/vmnetsync/config.yaml"

// Environment variables recognized by ApplyEnvOverrides and the CLI.
const (
	EnvConfigPath    = "VMNETSYNC_CONFIG_PATH"
	EnvAuthToken     = "VMNETSYNC_AUTH_TOKEN"
	EnvLibvirtSocket = "VMNETSYNC_LIBVIRT_SOCKET"
	EnvHelper        = "VMNETSYNC_HELPER"
)

// ResourceFilter holds allowlist and denylist entries for a resource category.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig groups resource filters. Only virtual machines are filtered.
type SafetyConfig struct {
	VMs ResourceFilter `yaml:"vms"`
}

// ServerConfig holds network and authentication settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// HypervisorConfig locates the libvirt daemon.
type HypervisorConfig struct {
	LibvirtSocket string `yaml:"libvirt_socket"`
	// URI selects the driver, e.g. qemu:///system. Empty means the
	// daemon default.
	URI string `yaml:"uri"`
	// KeepaliveSeconds is the interval between liveness probes.
	KeepaliveSeconds int `yaml:"keepalive_seconds"`
}

// HelperConfig locates the privileged mount helper.
type HelperConfig struct {
	Path       string `yaml:"path"`
	SearchPath bool   `yaml:"search_path"`
}

// MountConfig controls where guest disks are mounted.
type MountConfig struct {
	Root            string `yaml:"root"`
	SystemPartition int    `yaml:"system_partition"`
	NBDDevices      int    `yaml:"nbd_devices"`
	NBDPartitions   int    `yaml:"nbd_partitions"`
}

// GuestConfig locates network files inside the guest root.
type GuestConfig struct {
	UdevRules      string `yaml:"udev_rules"`
	NetworkScripts string `yaml:"network_scripts"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StoreConfig locates the database of last saved configurations.
// An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig sets the logger level and format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration structure for vmnetsync.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	Helper     HelperConfig     `yaml:"helper"`
	Mount      MountConfig      `yaml:"mount"`
	Guest      GuestConfig      `yaml:"guest"`
	Safety     SafetyConfig     `yaml:"safety"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`
}

// LoadConfig reads and parses a YAML configuration file from the given path.
// Keys missing from the file keep their DefaultConfig values. On error, nil
// is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a new Config populated with sensible default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Hypervisor: HypervisorConfig{
			LibvirtSocket:    "/var/run/libvirt/libvirt-sock",
			KeepaliveSeconds: 30,
		},
		Helper: HelperConfig{
			Path:       "vmnetsync-mount",
			SearchPath: true,
		},
		Mount: MountConfig{
			Root:            "/var/lib/vmnetsync/mnt",
			SystemPartition: adapters.DefaultLayout.SystemPartition,
			NBDDevices:      16,
			NBDPartitions:   8,
		},
		Guest: GuestConfig{
			UdevRules:      netcfg.UdevRulesFile,
			NetworkScripts: netcfg.NetworkScriptsDir,
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/var/log/vmnetsync/audit.log",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Store: StoreConfig{
			Path: "/var/lib/vmnetsync/state.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - VMNETSYNC_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - VMNETSYNC_LIBVIRT_SOCKET overrides cfg.Hypervisor.LibvirtSocket
//   - VMNETSYNC_HELPER overrides cfg.Helper.Path
func ApplyEnvOverrides(cfg *Config) {
	if token := os.Getenv(EnvAuthToken); token != "" {
		cfg.Server.AuthToken = token
	}
	if sock := os.Getenv(EnvLibvirtSocket); sock != "" {
		cfg.Hypervisor.LibvirtSocket = sock
	}
	if helper := os.Getenv(EnvHelper); helper != "" {
		cfg.Helper.Path = helper
	}
}

// Layout returns the guest file layout described by the mount and guest
// sections.
func (c *Config) Layout() adapters.Layout {
	return adapters.Layout{
		SystemPartition: c.Mount.SystemPartition,
		UdevRules:       c.Guest.UdevRules,
		NetworkScripts:  c.Guest.NetworkScripts,
	}
}

// KeepaliveInterval returns the keepalive period. Non-positive values yield
// zero, which lets hypervisor.Keepalive pick its default.
func (c *Config) KeepaliveInterval() time.Duration {
	if c.Hypervisor.KeepaliveSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Hypervisor.KeepaliveSeconds) * time.Second
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
