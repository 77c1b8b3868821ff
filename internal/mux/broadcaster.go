package mux

import (
	"sync"

	"github.com/mterm/mterm/internal/muxproto"
	"github.com/mterm/mterm/internal/session"
)

// Registry is the slice of the session manager the broadcaster needs to
// attach itself.
type Registry interface {
	SetSink(sink session.OutputSink)
	AddStateListener(fn session.StateListener) string
	RemoveStateListener(id string)
}

// Broadcaster fans session output out to every live viewer and announces
// session creation and destruction. It is the manager's output sink; the
// fan-out never blocks the manager's drain because a slow viewer's
// pressure lands in that viewer's drop-oldest queue.
type Broadcaster struct {
	mgr Registry

	mu      sync.RWMutex
	clients map[string]*Client

	listenerID string
}

// NewBroadcaster wires a broadcaster between the manager and its viewers.
func NewBroadcaster(mgr Registry) *Broadcaster {
	b := &Broadcaster{
		mgr:     mgr,
		clients: make(map[string]*Client),
	}
	mgr.SetSink(b)
	b.listenerID = mgr.AddStateListener(b.onState)
	return b
}

// Close detaches from the manager.
func (b *Broadcaster) Close() {
	b.mgr.RemoveStateListener(b.listenerID)
}

// AddClient registers a viewer for fan-out.
func (b *Broadcaster) AddClient(c *Client) {
	b.mu.Lock()
	b.clients[c.ViewerID] = c
	b.mu.Unlock()
}

// RemoveClient drops a viewer. Safe to call during fan-out.
func (b *Broadcaster) RemoveClient(viewerID string) {
	b.mu.Lock()
	delete(b.clients, viewerID)
	b.mu.Unlock()
}

// snapshot copies the viewer list so fan-out runs without the lock.
func (b *Broadcaster) snapshot() []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c)
	}
	return out
}

// SessionOutput implements session.OutputSink.
func (b *Broadcaster) SessionOutput(sid string, cols, rows uint16, data []byte) {
	for _, c := range b.snapshot() {
		c.PushOutput(sid, cols, rows, data)
	}
}

// SessionResync implements session.OutputSink: a recovered host link
// replays its scrollback to every viewer.
func (b *Broadcaster) SessionResync(sid string, cols, rows uint16, snapshot []byte) {
	for _, c := range b.snapshot() {
		c.ResyncSession(sid, cols, rows, snapshot)
	}
}

// onState announces registry changes to all viewers.
func (b *Broadcaster) onState(ev session.StateEvent) {
	switch ev.Kind {
	case session.Created:
		frame := muxproto.EncodeSessionState(ev.Info.ID, true)
		for _, c := range b.snapshot() {
			c.PushFrame(frame)
		}
	case session.Destroyed:
		frame := muxproto.EncodeSessionState(ev.Info.ID, false)
		for _, c := range b.snapshot() {
			c.DropSession(ev.Info.ID)
			c.PushFrame(frame)
		}
	}
}
