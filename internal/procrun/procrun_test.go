package procrun

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), mode))
	return path
}

func Test_Run_Cases(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	tests := []struct {
		name       string
		argv       func(t *testing.T) []string
		searchPath bool
		want       int
	}{
		{
			name: "empty argv",
			argv: func(*testing.T) []string { return nil },
			want: SpawnFailed,
		},
		{
			name: "empty program",
			argv: func(*testing.T) []string { return []string{""} },
			want: SpawnFailed,
		},
		{
			name: "missing absolute binary",
			argv: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing")}
			},
			want: SpawnFailed,
		},
		{
			name: "not executable",
			argv: func(t *testing.T) []string {
				return []string{writeScript(t, "exit 0", 0o644)}
			},
			want: SpawnFailed,
		},
		{
			name: "zero exit",
			argv: func(t *testing.T) []string {
				return []string{writeScript(t, "exit 0", 0o755)}
			},
			want: 0,
		},
		{
			name: "nonzero exit is passed through",
			argv: func(t *testing.T) []string {
				return []string{writeScript(t, "exit 3", 0o755)}
			},
			want: 3,
		},
		{
			name: "arguments reach the child",
			argv: func(t *testing.T) []string {
				return []string{writeScript(t, `exit "$1"`, 0o755), "7"}
			},
			want: 7,
		},
		{
			name: "signal maps above 128",
			argv: func(t *testing.T) []string {
				return []string{writeScript(t, "kill -TERM $$", 0o755)}
			},
			want: 128 + 15,
		},
		{
			name:       "path search",
			argv:       func(*testing.T) []string { return []string{"sh", "-c", "exit 4"} },
			searchPath: true,
			want:       4,
		},
		{
			name:       "path search miss",
			argv:       func(*testing.T) []string { return []string{"vmnetsync-does-not-exist"} },
			searchPath: true,
			want:       SpawnFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Run(tt.argv(t), tt.searchPath))
		})
	}
}

func Test_RunnerFunc(t *testing.T) {
	var got []string
	r := RunnerFunc(func(argv []string, searchPath bool) int {
		got = argv
		assert.True(t, searchPath)
		return 9
	})

	assert.Equal(t, 9, r.Run([]string{"a", "b"}, true))
	assert.Equal(t, []string{"a", "b"}, got)
}
