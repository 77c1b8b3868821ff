// Package statews pushes the JSON session list to browsers on a second
// WebSocket. Every state change produces one message; bursts collapse
// under a small debounce.
package statews

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mterm/mterm/internal/hostipc"
	"github.com/mterm/mterm/internal/logger"
	"github.com/mterm/mterm/internal/session"
)

const (
	debounce     = 25 * time.Millisecond
	writeTimeout = 5 * time.Second
)

// Update is the wire shape: { "sessions": { "sessions": [ ... ] } }.
type Update struct {
	Sessions SessionList `json:"sessions"`
}

// SessionList wraps the session array.
type SessionList struct {
	Sessions []hostipc.SessionInfo `json:"sessions"`
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // per-socket send mutex
}

// Registry is the slice of the session manager the broadcaster needs.
type Registry interface {
	List() []hostipc.SessionInfo
	AddStateListener(fn session.StateListener) string
	RemoveStateListener(id string)
}

// Broadcaster tracks state WebSocket subscribers.
type Broadcaster struct {
	mgr Registry

	mu    sync.Mutex
	conns map[*conn]struct{}

	pending    chan struct{}
	listenerID string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroadcaster starts the debounced push loop.
func NewBroadcaster(mgr Registry) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		mgr:     mgr,
		conns:   make(map[*conn]struct{}),
		pending: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.listenerID = mgr.AddStateListener(func(session.StateEvent) {
		select {
		case b.pending <- struct{}{}:
		default:
		}
	})
	go b.pushLoop()
	return b
}

// Close stops the loop and detaches from the manager.
func (b *Broadcaster) Close() {
	b.mgr.RemoveStateListener(b.listenerID)
	b.cancel()
}

// Serve owns one subscriber socket: the full list goes out on connect,
// then updates until the peer goes away. Inbound messages are discarded.
func (b *Broadcaster) Serve(ctx context.Context, ws *websocket.Conn) {
	c := &conn{ws: ws}
	if err := b.writeList(c); err != nil {
		ws.Close(websocket.StatusInternalError, "write failed")
		return
	}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
	}()

	// Drain reads so pings are answered and closure is noticed.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

func (b *Broadcaster) pushLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.pending:
		}
		// Collapse a burst of changes into one message.
		timer := time.NewTimer(debounce)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		b.mu.Lock()
		conns := make([]*conn, 0, len(b.conns))
		for c := range b.conns {
			conns = append(conns, c)
		}
		b.mu.Unlock()

		for _, c := range conns {
			if err := b.writeList(c); err != nil {
				logger.Debug("state push failed", "err", err)
				c.ws.Close(websocket.StatusAbnormalClosure, "")
			}
		}
	}
}

func (b *Broadcaster) writeList(c *conn) error {
	infos := b.mgr.List()
	if infos == nil {
		infos = []hostipc.SessionInfo{}
	}
	payload, err := json.Marshal(Update{Sessions: SessionList{Sessions: infos}})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(b.ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, payload)
}
