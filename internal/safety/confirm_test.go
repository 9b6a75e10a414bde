package safety

import (
	"testing"
	"time"
)

func Test_ConfirmationTracker_NeedsConfirmation_Cases(t *testing.T) {
	tests := []struct {
		name        string
		destructive []string
		tool        string
		want        bool
	}{
		{name: "destructive tool", destructive: []string{"machine_stop", "netcfg_save"}, tool: "netcfg_save", want: true},
		{name: "read-only tool", destructive: []string{"machine_stop"}, tool: "netcfg_show", want: false},
		{name: "nil list", destructive: nil, tool: "machine_stop", want: false},
		{name: "exact names only", destructive: []string{"machine_stop"}, tool: "machine_stop_all", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := NewConfirmationTracker(tt.destructive)
			if got := ct.NeedsConfirmation(tt.tool); got != tt.want {
				t.Errorf("NeedsConfirmation(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func Test_ConfirmationTracker_Confirm_Cases(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		resource string
		token    func(issued string) string
		want     bool
	}{
		{name: "matching call", tool: "machine_stop", resource: "web01", token: func(s string) string { return s }, want: true},
		{name: "wrong resource", tool: "machine_stop", resource: "db01", token: func(s string) string { return s }, want: false},
		{name: "wrong tool", tool: "machine_reset", resource: "web01", token: func(s string) string { return s }, want: false},
		{name: "unknown token", tool: "machine_stop", resource: "web01", token: func(string) string { return "deadbeef" }, want: false},
		{name: "empty token", tool: "machine_stop", resource: "web01", token: func(string) string { return "" }, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := NewConfirmationTracker([]string{"machine_stop", "machine_reset"})
			issued := ct.RequestConfirmation("machine_stop", "web01", "stop web01")
			if got := ct.Confirm(tt.tool, tt.resource, tt.token(issued)); got != tt.want {
				t.Errorf("Confirm() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_ConfirmationTracker_TokenSingleUse(t *testing.T) {
	ct := NewConfirmationTracker([]string{"netcfg_save"})
	token := ct.RequestConfirmation("netcfg_save", "web01", "save")

	if !ct.Confirm("netcfg_save", "web01", token) {
		t.Fatal("first Confirm() should succeed")
	}
	if ct.Confirm("netcfg_save", "web01", token) {
		t.Error("second Confirm() with the same token should fail")
	}
}

func Test_ConfirmationTracker_MismatchConsumesToken(t *testing.T) {
	ct := NewConfirmationTracker([]string{"machine_stop"})
	token := ct.RequestConfirmation("machine_stop", "web01", "stop")

	if ct.Confirm("machine_stop", "db01", token) {
		t.Fatal("Confirm() for another machine should fail")
	}
	if ct.Confirm("machine_stop", "web01", token) {
		t.Error("token presented for the wrong machine should be gone")
	}
}

func Test_ConfirmationTracker_TokenExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ct := NewConfirmationTracker([]string{"machine_reset"})
	ct.now = func() time.Time { return now }

	fresh := ct.RequestConfirmation("machine_reset", "web01", "reset")
	stale := ct.RequestConfirmation("machine_reset", "web01", "reset")

	now = now.Add(TokenTTL - time.Second)
	if !ct.Confirm("machine_reset", "web01", fresh) {
		t.Error("token should be valid just inside the TTL")
	}

	now = now.Add(2 * time.Second)
	if ct.Confirm("machine_reset", "web01", stale) {
		t.Error("token should be rejected after the TTL")
	}
}

func Test_ConfirmationTracker_PendingSweepsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ct := NewConfirmationTracker(nil)
	ct.now = func() time.Time { return now }

	ct.RequestConfirmation("machine_stop", "a", "")
	ct.RequestConfirmation("machine_stop", "b", "")
	if got := ct.Pending(); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}

	now = now.Add(TokenTTL + time.Second)
	if got := ct.Pending(); got != 0 {
		t.Errorf("Pending() after expiry = %d, want 0", got)
	}
}

func Test_ConfirmationTracker_TokensAreUnique(t *testing.T) {
	ct := NewConfirmationTracker([]string{"machine_stop"})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token := ct.RequestConfirmation("machine_stop", "web01", "")
		if token == "" {
			t.Fatal("RequestConfirmation() returned an empty token")
		}
		if seen[token] {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = true
	}
}
