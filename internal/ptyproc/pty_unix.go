//go:build !windows

package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/mterm/mterm/internal/logger"
)

// Proc is a running child shell attached to a PTY. Reads and writes go
// through the master side; the caller keeps one dedicated reader.
type Proc struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	done     chan struct{}
	exitCode int
}

// Spawn opens a PTY pair and starts the child through the pty-exec helper
// (re-exec of this binary): the child setsids, attaches the slave to its
// stdio, and execs the shell. The master stays with us.
func Spawn(cfg Config) (*Proc, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ptyproc: empty executable path")
	}
	if cfg.Cols == 0 || cfg.Rows == 0 {
		return nil, fmt.Errorf("ptyproc: zero terminal size %dx%d", cfg.Cols, cfg.Rows)
	}

	binPath, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ptyproc: %q not found: %w", cfg.Path, err)
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("ptyproc: open pty: %w", err)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows}); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("ptyproc: set initial size: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("ptyproc: resolve self: %w", err)
	}

	helperArgs := []string{"--pty-exec", tty.Name(), "--", binPath}
	helperArgs = append(helperArgs, cfg.Args...)
	cmd := exec.Command(self, helperArgs...)
	cmd.Env = buildEnv(cfg.Env)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	if cfg.UID != 0 || cfg.GID != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: cfg.UID, Gid: cfg.GID},
		}
	}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("ptyproc: start child: %w", err)
	}
	// The child reopens the slave by path after setsid; our handle is done.
	tty.Close()

	p := &Proc{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

// buildEnv returns a minimal base environment with TERM pinned, overlaid
// by the config map. Duplicate TERM entries in the inherited environment
// would silently override ours, so the base is rebuilt rather than
// filtered in place.
func buildEnv(extra map[string]string) []string {
	env := make([]string, 0, len(extra)+4)
	for _, k := range []string{"HOME", "PATH", "USER", "LANG"} {
		if v := os.Getenv(k); v != "" {
			if _, shadowed := extra[k]; !shadowed {
				env = append(env, k+"="+v)
			}
		}
	}
	hasTerm := false
	for k, v := range extra {
		if k == "TERM" {
			hasTerm = true
		}
		env = append(env, k+"="+v)
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	return env
}

func (p *Proc) wait() {
	code := 0
	if err := p.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
	p.ptmx.Close()
}

// Read pulls output bytes from the PTY master. Blocking.
func (p *Proc) Read(b []byte) (int, error) {
	return p.ptmx.Read(b)
}

// Write pushes input bytes to the PTY master.
func (p *Proc) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

// Resize changes the terminal dimensions. May suspend until the OS
// accepts the ioctl.
func (p *Proc) Resize(cols, rows uint16) error {
	if p.ptmx == nil {
		return ErrNotStarted
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("ptyproc: resize: %w", err)
	}
	return nil
}

// Terminate kills the child's process group, best effort. TERM first,
// KILL if the group is still there 3s later. Safe to call on a dead
// child.
func (p *Proc) Terminate() {
	pid := p.PID()
	if pid <= 0 {
		return
	}
	// The helper setsids, so -pid addresses the whole group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if !strings.Contains(err.Error(), "no such process") {
			logger.Debug("terminate: sigterm", "pid", pid, "err", err)
		}
		return
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(3 * time.Second):
			syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
}

// Running reports whether the child is still alive.
func (p *Proc) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the child's exit code once it has exited.
func (p *Proc) ExitCode() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Done is closed when the child exits.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// PID returns the helper child's process id (the session leader).
func (p *Proc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
