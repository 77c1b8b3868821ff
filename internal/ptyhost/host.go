// Package ptyhost runs the per-session host process: one PTY, one child
// shell, a scrollback ring, and an IPC endpoint the web server connects
// to. The host outlives IPC disconnects — output keeps flowing into
// scrollback while no client is attached — and accepts reconnects by the
// same endpoint name.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mterm/mterm/internal/buffer"
	"github.com/mterm/mterm/internal/hostipc"
	"github.com/mterm/mterm/internal/logger"
	"github.com/mterm/mterm/internal/ptyproc"
)

// Failure classes the command layer maps to process exit codes.
var (
	ErrBind  = errors.New("ptyhost: endpoint bind failed")
	ErrSpawn = errors.New("ptyhost: pty spawn failed")
)

const (
	// drainGrace is how long the host lingers after the shell exits so
	// an attached client can fetch the final state and scrollback.
	drainGrace = 10 * time.Second

	readChunk = 4096
)

// DefaultScrollback is the per-session scrollback capacity.
const DefaultScrollback = 256 * 1024

// Options configures one host process.
type Options struct {
	SessionID  string
	Shell      string // shell kind tag: "bash", "zsh", "fish", "sh", "default"
	Cwd        string
	Cols       uint16
	Rows       uint16
	UID        uint32
	GID        uint32
	Scrollback int // bytes; 0 means DefaultScrollback
}

// Host is the running state of a PTY host process.
type Host struct {
	opts      Options
	ring      *buffer.Ring
	proc      *ptyproc.Proc
	ln        net.Listener
	createdAt time.Time
	shellPath string

	mu   sync.Mutex // guards conn, name, cols, rows
	conn net.Conn
	name string
	cols uint16
	rows uint16

	wmu sync.Mutex // serializes frame writes to the current client

	shutdown chan struct{}
	once     sync.Once
}

// shellCommand maps a shell kind tag to an executable and argv.
func shellCommand(kind string) (string, []string) {
	switch kind {
	case "bash":
		return "bash", []string{"-l"}
	case "zsh":
		return "zsh", []string{"-l"}
	case "fish":
		return "fish", []string{"-l"}
	case "sh":
		return "sh", nil
	default:
		if sh := os.Getenv("SHELL"); sh != "" {
			return sh, []string{"-l"}
		}
		return "bash", []string{"-l"}
	}
}

// Run executes the host until the shell exits and the client has had a
// chance to drain, or ctx is cancelled. Returned errors wrap ErrBind or
// ErrSpawn for the two fatal startup classes.
func Run(ctx context.Context, opts Options) error {
	if opts.Scrollback <= 0 {
		opts.Scrollback = DefaultScrollback
	}
	if opts.Cols == 0 || opts.Cols > 10000 || opts.Rows == 0 || opts.Rows > 10000 {
		return fmt.Errorf("ptyhost: dimensions %dx%d out of range", opts.Cols, opts.Rows)
	}

	ring, err := buffer.NewRing(opts.Scrollback)
	if err != nil {
		return err
	}

	if _, err := hostipc.EnsureRuntimeDir(); err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	endpoint := hostipc.ServerEndpointName(opts.SessionID)
	os.Remove(endpoint) // stale socket from a dead host
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	defer ln.Close()
	defer os.Remove(endpoint)
	os.Chmod(endpoint, 0600)

	shellPath, shellArgs := shellCommand(opts.Shell)
	proc, err := ptyproc.Spawn(ptyproc.Config{
		Path: shellPath,
		Args: shellArgs,
		Dir:  opts.Cwd,
		Cols: opts.Cols,
		Rows: opts.Rows,
		UID:  opts.UID,
		GID:  opts.GID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &Host{
		opts:      opts,
		ring:      ring,
		proc:      proc,
		ln:        ln,
		createdAt: time.Now(),
		shellPath: shellPath,
		cols:      opts.Cols,
		rows:      opts.Rows,
		shutdown:  make(chan struct{}),
	}

	logger.Info("host up", "session", opts.SessionID, "shell", shellPath, "pid", proc.PID(), "endpoint", endpoint)

	go h.readPTY()
	go h.watchExit()
	go h.acceptLoop()

	select {
	case <-ctx.Done():
		proc.Terminate()
		h.stop()
		return ctx.Err()
	case <-h.shutdown:
		return nil
	}
}

func (h *Host) stop() {
	h.once.Do(func() {
		close(h.shutdown)
		h.ln.Close()
		h.dropClient()
	})
}

// readPTY is the dedicated PTY reader: every chunk goes to scrollback and,
// when a client is attached, out as an Output frame.
func (h *Host) readPTY() {
	buf := make([]byte, readChunk)
	for {
		n, err := h.proc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.ring.Write(data)
			h.writeFrame(hostipc.MsgOutput, data)
		}
		if err != nil {
			return // PTY closed; watchExit handles the rest
		}
	}
}

// watchExit emits the final state change when the shell dies, then exits
// the host once the client has drained or the grace window passes.
func (h *Host) watchExit() {
	<-h.proc.Done()
	code, _ := h.proc.ExitCode()
	logger.Info("shell exited", "session", h.opts.SessionID, "code", code)
	h.writeFrame(hostipc.MsgStateChange, nil)

	select {
	case <-time.After(drainGrace):
	case <-h.shutdown:
		return
	}
	h.stop()
}

// acceptLoop serves one IPC client at a time; a disconnect is survivable
// and a new client may attach at any point.
func (h *Host) acceptLoop() {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			select {
			case <-h.shutdown:
				return
			default:
				logger.Warn("accept", "session", h.opts.SessionID, "err", err)
				return
			}
		}
		go h.serveClient(conn)
	}
}

func (h *Host) serveClient(conn net.Conn) {
	h.mu.Lock()
	if h.conn != nil {
		// A second client bumps the first; the manager owns at most one
		// live link, so the newer one wins after a reconnect race.
		h.conn.Close()
	}
	h.conn = conn
	h.mu.Unlock()
	logger.Info("ipc client attached", "session", h.opts.SessionID)

	pingDone := make(chan struct{})
	pongCh := make(chan struct{}, 1)
	go h.pingClient(conn, pongCh, pingDone)

	h.readClient(conn, pongCh)

	close(pingDone)
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	conn.Close()
	logger.Info("ipc client detached", "session", h.opts.SessionID)
}

// pingClient heartbeats the attached client. A stalled client is cut so
// the accept loop can take a fresh connection.
func (h *Host) pingClient(conn net.Conn, pongCh <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-done:
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
		}
		select {
		case <-pongCh:
		default:
		}
		if err := h.writeFrameTo(conn, hostipc.MsgPing, nil); err != nil {
			return
		}
		select {
		case <-pongCh:
			missed = 0
		case <-time.After(3 * time.Second):
			missed++
			if missed > 2 {
				logger.Warn("ipc client unresponsive, dropping", "session", h.opts.SessionID)
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// readClient applies frames from the client. Requests are answered in
// arrival order on this single reader.
func (h *Host) readClient(conn net.Conn, pongCh chan<- struct{}) {
	for {
		typ, payload, err := hostipc.ReadFrame(conn)
		if err != nil {
			return
		}
		switch typ {
		case hostipc.MsgInfoRequest:
			h.replyInfo(conn)

		case hostipc.MsgInput:
			if _, err := h.proc.Write(payload); err != nil {
				h.writeError(conn, fmt.Sprintf("input: %v", err))
			}

		case hostipc.MsgResize:
			cols, rows, derr := hostipc.DecodeResize(payload)
			if derr != nil || cols == 0 || cols > 10000 || rows == 0 || rows > 10000 {
				h.writeError(conn, "bad resize")
				continue
			}
			if err := h.proc.Resize(cols, rows); err != nil {
				h.writeError(conn, fmt.Sprintf("resize: %v", err))
				continue
			}
			h.mu.Lock()
			changed := h.cols != cols || h.rows != rows
			h.cols, h.rows = cols, rows
			h.mu.Unlock()
			h.writeFrameTo(conn, hostipc.MsgResizeAck, nil)
			if changed {
				h.writeFrameTo(conn, hostipc.MsgStateChange, nil)
			}

		case hostipc.MsgGetBuffer:
			h.writeFrameTo(conn, hostipc.MsgBuffer, h.ring.Snapshot())

		case hostipc.MsgSetName:
			h.mu.Lock()
			changed := h.name != string(payload)
			h.name = string(payload)
			h.mu.Unlock()
			h.writeFrameTo(conn, hostipc.MsgSetNameAck, nil)
			if changed {
				h.writeFrameTo(conn, hostipc.MsgStateChange, nil)
			}

		case hostipc.MsgClose:
			h.writeFrameTo(conn, hostipc.MsgCloseAck, nil)
			h.proc.Terminate()
			h.stop()
			return

		case hostipc.MsgPing:
			h.writeFrameTo(conn, hostipc.MsgPong, nil)

		case hostipc.MsgPong:
			select {
			case pongCh <- struct{}{}:
			default:
			}

		default:
			h.writeError(conn, fmt.Sprintf("unknown frame type %#x", typ))
		}
	}
}

func (h *Host) replyInfo(conn net.Conn) {
	payload, err := hostipc.MarshalInfo(h.Info())
	if err != nil {
		h.writeError(conn, fmt.Sprintf("info: %v", err))
		return
	}
	h.writeFrameTo(conn, hostipc.MsgInfo, payload)
}

// Info builds the current session snapshot.
func (h *Host) Info() hostipc.SessionInfo {
	h.mu.Lock()
	name, cols, rows := h.name, h.cols, h.rows
	h.mu.Unlock()

	info := hostipc.SessionInfo{
		ID:                      h.opts.SessionID,
		PID:                     h.proc.PID(),
		CreatedAt:               h.createdAt.UnixMilli(),
		IsRunning:               h.proc.Running(),
		CurrentWorkingDirectory: h.opts.Cwd,
		Cols:                    cols,
		Rows:                    rows,
		ShellType:               h.opts.Shell,
		Name:                    name,
	}
	if code, exited := h.proc.ExitCode(); exited {
		info.ExitCode = &code
	}
	return info
}

// writeFrame sends to the currently attached client, if any. A write
// failure drops the client; the shell and scrollback keep going.
func (h *Host) writeFrame(typ byte, payload []byte) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}
	if err := h.writeFrameTo(conn, typ, payload); err != nil {
		conn.Close()
	}
}

func (h *Host) writeFrameTo(conn net.Conn, typ byte, payload []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return hostipc.WriteFrame(conn, typ, payload)
}

func (h *Host) writeError(conn net.Conn, msg string) {
	h.writeFrameTo(conn, hostipc.MsgError, []byte(msg))
}

func (h *Host) dropClient() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
