// Package session is the registry of live terminal sessions. It spawns
// PTY host processes, owns their IPC links, preserves per-session output
// ordering into the multiplexer, and notifies listeners on every state
// change.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mterm/mterm/internal/hostipc"
	"github.com/mterm/mterm/internal/logger"
)

// ErrUnavailable is returned when a session cannot be created: host spawn
// failed or the IPC handshake timed out.
var ErrUnavailable = errors.New("session: host unavailable")

// ErrNotFound is returned for operations on unknown session ids.
var ErrNotFound = errors.New("session: not found")

// EventKind classifies a state notification.
type EventKind int

const (
	Created EventKind = iota
	Updated
	Destroyed
)

// StateEvent describes one change to the session registry.
type StateEvent struct {
	Kind EventKind
	Info hostipc.SessionInfo
}

// StateListener observes registry changes. A panicking listener does not
// disturb the others.
type StateListener func(ev StateEvent)

// OutputSink receives per-session output. SessionOutput calls come in
// arrival order, one at a time, from the manager's drain task;
// SessionResync is called from the recovering IPC client's goroutine.
type OutputSink interface {
	SessionOutput(sessionID string, cols, rows uint16, data []byte)
	SessionResync(sessionID string, cols, rows uint16, snapshot []byte)
}

// Options configures a Manager.
type Options struct {
	// HostBinary is the mterm-host executable. Empty resolves a binary
	// named "mterm-host" next to the running executable, then $PATH.
	HostBinary string
	// DefaultShell is used when CreateSession gets no shell kind.
	DefaultShell string
	// HandshakeTimeout bounds host spawn + first IPC contact. Zero
	// means 5s.
	HandshakeTimeout time.Duration
}

// ipcLink is what the manager needs from a host IPC client.
type ipcLink interface {
	GetBuffer(ctx context.Context) ([]byte, error)
	Resize(ctx context.Context, cols, rows uint16) error
	SetName(ctx context.Context, name string) error
	SendInput(data []byte) error
	CloseSession(ctx context.Context) error
	Close()
}

type record struct {
	mu               sync.Mutex
	info             hostipc.SessionInfo
	lastActiveViewer string
	client           ipcLink
}

func (r *record) snapshot() hostipc.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.info
	info.LastActiveViewerID = r.lastActiveViewer
	return info
}

func (r *record) dims() (uint16, uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.Cols, r.info.Rows
}

// Manager owns the session registry and the single output drain that
// feeds the multiplexer.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*record

	lmu       sync.RWMutex
	listeners map[string]StateListener

	sink   OutputSink
	sinkMu sync.RWMutex

	out *outQueue

	ctx    context.Context
	cancel context.CancelFunc
	drained chan struct{}
}

// NewManager creates a Manager and starts its output drain task.
func NewManager(opts Options) *Manager {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.DefaultShell == "" {
		opts.DefaultShell = "default"
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		sessions:  make(map[string]*record),
		listeners: make(map[string]StateListener),
		out:       newOutQueue(),
		ctx:       ctx,
		cancel:    cancel,
		drained:   make(chan struct{}),
	}
	go m.drainOutput()
	return m
}

// SetSink wires the downstream multiplexer. Must be called before
// sessions exist.
func (m *Manager) SetSink(sink OutputSink) {
	m.sinkMu.Lock()
	m.sink = sink
	m.sinkMu.Unlock()
}

// Close shuts the manager down: IPC links are closed, host processes are
// left running (they are reattachable by id).
func (m *Manager) Close() {
	m.cancel()
	m.out.close()
	<-m.drained
	m.mu.Lock()
	recs := make([]*record, 0, len(m.sessions))
	for _, r := range m.sessions {
		recs = append(recs, r)
	}
	m.sessions = make(map[string]*record)
	m.mu.Unlock()
	for _, r := range recs {
		r.client.Close()
	}
}

// hostBinary resolves the mterm-host executable.
func (m *Manager) hostBinary() (string, error) {
	if m.opts.HostBinary != "" {
		return m.opts.HostBinary, nil
	}
	if self, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(self), "mterm-host")
		if st, err := os.Stat(cand); err == nil && !st.IsDir() {
			return cand, nil
		}
	}
	return exec.LookPath("mterm-host")
}

// CreateSession spawns a host process and establishes its IPC link.
func (m *Manager) CreateSession(cols, rows uint16, shellKind, workingDir string) (hostipc.SessionInfo, error) {
	if cols == 0 || cols > 10000 || rows == 0 || rows > 10000 {
		return hostipc.SessionInfo{}, fmt.Errorf("session: dimensions %dx%d out of range", cols, rows)
	}
	if shellKind == "" {
		shellKind = m.opts.DefaultShell
	}

	id := NewID()
	m.mu.RLock()
	_, clash := m.sessions[id]
	m.mu.RUnlock()
	if clash {
		id = NewID() // 48 bits of entropy; a second draw settles it
	}

	bin, err := m.hostBinary()
	if err != nil {
		return hostipc.SessionInfo{}, fmt.Errorf("%w: host binary: %v", ErrUnavailable, err)
	}

	args := []string{
		"--session-id", id,
		"--shell", shellKind,
		"--cols", strconv.Itoa(int(cols)),
		"--rows", strconv.Itoa(int(rows)),
	}
	if workingDir != "" {
		args = append(args, "--cwd", workingDir)
	}
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true} // host survives us
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return hostipc.SessionInfo{}, fmt.Errorf("%w: spawn: %v", ErrUnavailable, err)
	}
	go cmd.Wait() // reap; the host manages its own lifetime

	client, err := m.dialHost(id)
	if err != nil {
		return hostipc.SessionInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	info := client.Info()
	m.adoptClient(id, client, info)
	logger.Info("session created", "id", id, "shell", shellKind, "pid", info.PID)
	return m.getRecord(id).snapshot(), nil
}

// dialHost retries the endpoint until the handshake window closes — the
// socket appears asynchronously after spawn.
func (m *Manager) dialHost(id string) (*hostipc.Client, error) {
	deadline := time.Now().Add(m.opts.HandshakeTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		client, err := hostipc.Dial(ctx, id, hostipc.ClientOptions{})
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("handshake timeout: %v", lastErr)
}

// adoptClient registers a live IPC client under id and wires callbacks.
func (m *Manager) adoptClient(id string, client *hostipc.Client, info hostipc.SessionInfo) {
	rec := &record{info: info, client: client}

	client.OnOutput = func(sid string, data []byte) {
		m.out.push(outItem{sid: sid, data: data})
	}
	client.OnStateChanged = func(info hostipc.SessionInfo) {
		rec.mu.Lock()
		rec.info = info
		r := !info.IsRunning
		rec.mu.Unlock()
		m.notify(StateEvent{Kind: Updated, Info: rec.snapshot()})
		if r {
			// The shell died; the host lingers briefly for drains, then
			// goes away. Drop the session now so viewers see it close.
			go m.CloseSession(id)
		}
	}
	client.OnResync = func(info hostipc.SessionInfo, snapshot []byte) {
		rec.mu.Lock()
		rec.info = info
		rec.mu.Unlock()
		m.sinkMu.RLock()
		sink := m.sink
		m.sinkMu.RUnlock()
		if sink != nil {
			sink.SessionResync(info.ID, info.Cols, info.Rows, snapshot)
		}
		m.notify(StateEvent{Kind: Updated, Info: rec.snapshot()})
	}
	client.OnDown = func(err error) {
		logger.Warn("host link dead, closing session", "id", id, "err", err)
		// OnDown runs on the client's own loop, which Close waits for.
		go m.CloseSession(id)
	}

	m.mu.Lock()
	m.sessions[id] = rec
	m.mu.Unlock()
	client.Start()
	m.notify(StateEvent{Kind: Created, Info: rec.snapshot()})
}

// Adopt reattaches to host processes that survived a web-server restart,
// identified by their endpoint sockets in the runtime directory.
func (m *Manager) Adopt() int {
	dir := hostipc.RuntimeDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "mthost-") || !strings.HasSuffix(name, ".sock") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "mthost-"), ".sock")
		if len(id) != IDLen {
			continue
		}
		m.mu.RLock()
		_, exists := m.sessions[id]
		m.mu.RUnlock()
		if exists {
			continue
		}
		client, err := m.dialHost(id)
		if err != nil {
			// Dead socket left behind by a crashed host.
			os.Remove(filepath.Join(dir, name))
			continue
		}
		m.adoptClient(id, client, client.Info())
		logger.Info("session adopted", "id", id)
		n++
	}
	return n
}

func (m *Manager) getRecord(id string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// GetSession looks up a session snapshot.
func (m *Manager) GetSession(id string) (hostipc.SessionInfo, bool) {
	rec := m.getRecord(id)
	if rec == nil {
		return hostipc.SessionInfo{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []hostipc.SessionInfo {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.sessions))
	for _, r := range m.sessions {
		recs = append(recs, r)
	}
	m.mu.RUnlock()
	infos := make([]hostipc.SessionInfo, 0, len(recs))
	for _, r := range recs {
		infos = append(infos, r.snapshot())
	}
	return infos
}

// SessionIDs returns the ids of all live sessions.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseSession tears a session down. Idempotent: closing an unknown id is
// a no-op.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rec.client.CloseSession(ctx); err != nil {
		logger.Debug("close ipc", "id", id, "err", err)
	}
	cancel()
	rec.client.Close()

	info := rec.snapshot()
	info.IsRunning = false
	logger.Info("session closed", "id", id)
	m.notify(StateEvent{Kind: Destroyed, Info: info})
}

// Resize applies the active-viewer-wins rule: a resize from a viewer that
// is not the session's last active viewer is rejected. Calls without a
// viewer id (REST) are accepted unconditionally.
func (m *Manager) Resize(id string, cols, rows uint16, viewerID string) bool {
	rec := m.getRecord(id)
	if rec == nil {
		return false
	}
	if cols == 0 || cols > 10000 || rows == 0 || rows > 10000 {
		return false
	}

	rec.mu.Lock()
	last := rec.lastActiveViewer
	rec.mu.Unlock()
	if viewerID != "" && last != "" && viewerID != last {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.client.Resize(ctx, cols, rows); err != nil {
		logger.Debug("resize", "id", id, "err", err)
		return false
	}
	rec.mu.Lock()
	rec.info.Cols = cols
	rec.info.Rows = rows
	rec.mu.Unlock()
	return true
}

// SendInput forwards input and records the sending viewer as the
// session's active viewer.
func (m *Manager) SendInput(id string, data []byte, viewerID string) error {
	rec := m.getRecord(id)
	if rec == nil {
		return ErrNotFound
	}
	if viewerID != "" {
		rec.mu.Lock()
		rec.lastActiveViewer = viewerID
		rec.mu.Unlock()
	}
	return rec.client.SendInput(data)
}

// SetActiveViewer records viewerID as the session's active viewer. An
// explicit active-session hint carries the same weight as typed input.
func (m *Manager) SetActiveViewer(id, viewerID string) {
	rec := m.getRecord(id)
	if rec == nil || viewerID == "" {
		return
	}
	rec.mu.Lock()
	rec.lastActiveViewer = viewerID
	rec.mu.Unlock()
}

// GetBuffer fetches the session's scrollback snapshot from its host.
func (m *Manager) GetBuffer(id string) ([]byte, error) {
	rec := m.getRecord(id)
	if rec == nil {
		return nil, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rec.client.GetBuffer(ctx)
}

// Dims returns the cached cols/rows for a session.
func (m *Manager) Dims(id string) (cols, rows uint16, ok bool) {
	rec := m.getRecord(id)
	if rec == nil {
		return 0, 0, false
	}
	cols, rows = rec.dims()
	return cols, rows, true
}

// SetName renames a session; empty clears.
func (m *Manager) SetName(id, name string) error {
	rec := m.getRecord(id)
	if rec == nil {
		return ErrNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.client.SetName(ctx, name); err != nil {
		return err
	}
	rec.mu.Lock()
	rec.info.Name = name
	rec.mu.Unlock()
	m.notify(StateEvent{Kind: Updated, Info: rec.snapshot()})
	return nil
}

// AddStateListener registers a callback for registry changes.
func (m *Manager) AddStateListener(fn StateListener) string {
	id := uuid.NewString()
	m.lmu.Lock()
	m.listeners[id] = fn
	m.lmu.Unlock()
	return id
}

// RemoveStateListener drops a listener by id.
func (m *Manager) RemoveStateListener(id string) {
	m.lmu.Lock()
	delete(m.listeners, id)
	m.lmu.Unlock()
}

// notify delivers an event to every listener. A panicking listener must
// not starve the rest, and nothing propagates out of the manager.
func (m *Manager) notify(ev StateEvent) {
	m.lmu.RLock()
	fns := make([]StateListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("state listener panic", "err", r)
				}
			}()
			fn(ev)
		}()
	}
}

// drainOutput is the single consumer of the output queue: it publishes to
// the multiplexer synchronously, in order, preserving per-session byte
// order across the boundary.
func (m *Manager) drainOutput() {
	defer close(m.drained)
	for {
		item, ok := m.out.pop(m.ctx)
		if !ok {
			return
		}
		m.sinkMu.RLock()
		sink := m.sink
		m.sinkMu.RUnlock()
		if sink == nil {
			continue
		}
		cols, rows, ok := m.Dims(item.sid)
		if !ok {
			continue // session died while queued
		}
		sink.SessionOutput(item.sid, cols, rows, item.data)
	}
}
