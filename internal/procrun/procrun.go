// Package procrun spawns external programs and reports only their exit code.
package procrun

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// SpawnFailed is returned by Run when the process could not be started at
// all. It is distinct from every exit status a child can produce.
const SpawnFailed = -1

// Runner runs a command line and returns its exit code.
type Runner interface {
	Run(argv []string, searchPath bool) int
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(argv []string, searchPath bool) int

// Run calls f(argv, searchPath).
func (f RunnerFunc) Run(argv []string, searchPath bool) int {
	return f(argv, searchPath)
}

// Exec is the Runner backed by real child processes.
type Exec struct{}

// Run implements Runner with the package level Run.
func (Exec) Run(argv []string, searchPath bool) int {
	return Run(argv, searchPath)
}

// Run starts argv[0] with the remaining arguments and waits for it. With
// searchPath the program is looked up in PATH, otherwise argv[0] is used as
// is and must be executable. The child inherits stdin, stdout and stderr.
// A child terminated by a signal yields 128 plus the signal number.
func Run(argv []string, searchPath bool) int {
	if len(argv) == 0 || argv[0] == "" {
		log.L.Debug("refusing to spawn empty command line")
		return SpawnFailed
	}

	path := argv[0]
	if searchPath {
		resolved, err := exec.LookPath(path)
		if err != nil {
			log.L.WithError(err).WithField("program", path).Debug("program not found in PATH")
			return SpawnFailed
		}
		path = resolved
	} else if err := unix.Access(path, unix.X_OK); err != nil {
		log.L.WithError(err).WithField("program", path).Debug("program is not executable")
		return SpawnFailed
	}

	cmd := &exec.Cmd{
		Path:   path,
		Args:   argv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if err := cmd.Start(); err != nil {
		log.L.WithError(err).WithField("program", path).Debug("spawn failed")
		return SpawnFailed
	}

	code := exitCode(cmd.Wait())
	log.L.WithField("argv", argv).WithField("code", code).Debug("process exited")
	return code
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var eerr *exec.ExitError
	if !errors.As(err, &eerr) {
		return SpawnFailed
	}
	if ws, ok := eerr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return eerr.ExitCode()
}
