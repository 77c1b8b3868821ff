// Package mux carries many terminal streams over one WebSocket per
// viewer. Each Client owns a bounded drop-oldest frame queue and a
// per-session batching scheduler: the viewer's active session gets
// low-latency uncompressed output, everything else is accumulated and
// shipped gzipped. Overflow is recovered by a resync — clear, resend
// scrollback, resume.
package mux

import (
	"bytes"
	"compress/gzip"
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/mterm/mterm/internal/logger"
	"github.com/mterm/mterm/internal/muxproto"
)

// SessionHandle is the slice of the session manager a viewer needs.
type SessionHandle interface {
	SendInput(id string, data []byte, viewerID string) error
	Resize(id string, cols, rows uint16, viewerID string) bool
	GetBuffer(id string) ([]byte, error)
	Dims(id string) (cols, rows uint16, ok bool)
	SessionIDs() []string
	SetActiveViewer(id, viewerID string)
}

const (
	// DefaultQueueCap is the bounded output queue capacity per viewer.
	DefaultQueueCap = 500

	// batchBytes flushes a background accumulator when it grows past
	// this size; batchAge flushes it on staleness.
	batchBytes = 2048
	batchAge   = 2 * time.Second

	flushTick   = 200 * time.Millisecond
	sendTimeout = 5 * time.Second
)

// accum collects background-session output between flushes.
type accum struct {
	buf   []byte
	first time.Time
	cols  uint16
	rows  uint16
}

// Client is one viewer: one WebSocket, one queue, one scheduler.
type Client struct {
	ViewerID string

	ws  *websocket.Conn
	mgr SessionHandle

	qmu         sync.Mutex
	queue       [][]byte
	queueCap    int
	qnotify     chan struct{}
	needsResync bool

	amu    sync.Mutex
	accums map[string]*accum
	hint   string

	flushNow chan struct{}

	bufLimiter *rate.Limiter

	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient wraps an accepted WebSocket. queueCap <= 0 uses the default.
func NewClient(viewerID string, ws *websocket.Conn, mgr SessionHandle, queueCap int) *Client {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ViewerID:   viewerID,
		ws:         ws,
		mgr:        mgr,
		queueCap:   queueCap,
		qnotify:    make(chan struct{}),
		accums:     make(map[string]*accum),
		flushNow:   make(chan struct{}, 1),
		bufLimiter: rate.NewLimiter(rate.Limit(2), 5),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run serves the viewer until the WebSocket dies or ctx is cancelled.
// The init frame goes out before anything else.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	if err := c.send(muxproto.EncodeInit()); err != nil {
		return err
	}

	go c.sendLoop()
	go c.flushLoop()

	return c.receiveLoop(ctx)
}

// Close tears the viewer down: both loops stop, the queue is discarded,
// and the WebSocket closes gracefully.
func (c *Client) Close() {
	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "")
}

// Done is closed when the send loop has terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// receiveLoop parses viewer frames. Malformed frames are logged and
// ignored; they never terminate the connection.
func (c *Client) receiveLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		f, err := muxproto.Decode(data)
		if err != nil {
			logger.Debug("short mux frame", "viewer", c.ViewerID, "len", len(data))
			continue
		}
		switch f.Type {
		case muxproto.TypeInput:
			if err := c.mgr.SendInput(f.SessionID, f.Payload, c.ViewerID); err != nil {
				logger.Debug("input dropped", "viewer", c.ViewerID, "session", f.SessionID, "err", err)
			}

		case muxproto.TypeResize:
			cols, rows, err := muxproto.ParseResize(f.Payload)
			if err != nil {
				logger.Debug("bad resize frame", "viewer", c.ViewerID, "err", err)
				continue
			}
			c.mgr.Resize(f.SessionID, cols, rows, c.ViewerID)

		case muxproto.TypeBufferRequest:
			if !c.bufLimiter.Allow() {
				logger.Debug("buffer request throttled", "viewer", c.ViewerID, "session", f.SessionID)
				continue
			}
			snapshot, err := c.mgr.GetBuffer(f.SessionID)
			if err != nil {
				continue
			}
			cols, rows, ok := c.mgr.Dims(f.SessionID)
			if !ok {
				continue
			}
			c.enqueue(muxproto.EncodeOutput(f.SessionID, cols, rows, snapshot))

		case muxproto.TypeActiveSessionHint:
			c.setActiveHint(f.SessionID)

		default:
			logger.Debug("unknown mux frame", "viewer", c.ViewerID, "type", f.Type)
		}
	}
}

// setActiveHint switches the low-latency session. The new active
// session's pending batch flushes first so its bytes stay in order.
func (c *Client) setActiveHint(sid string) {
	c.amu.Lock()
	if sid != "" {
		c.flushAccumLocked(sid)
	}
	c.hint = sid
	c.amu.Unlock()
	if sid != "" {
		c.mgr.SetActiveViewer(sid, c.ViewerID)
	}
}

// PushOutput is the broadcaster's entry point for live session output.
// It never blocks: the active path enqueues, the background path
// accumulates, and during a pending resync everything accumulates.
func (c *Client) PushOutput(sid string, cols, rows uint16, data []byte) {
	c.qmu.Lock()
	resyncing := c.needsResync
	c.qmu.Unlock()

	c.amu.Lock()
	active := c.hint == sid
	if resyncing || !active {
		c.accumulateLocked(sid, cols, rows, data)
		c.amu.Unlock()
		return
	}
	c.amu.Unlock()

	c.enqueue(muxproto.EncodeOutput(sid, cols, rows, data))
}

func (c *Client) accumulateLocked(sid string, cols, rows uint16, data []byte) {
	a := c.accums[sid]
	if a == nil {
		a = &accum{}
		c.accums[sid] = a
	}
	if len(a.buf) == 0 {
		a.first = time.Now()
	}
	a.buf = append(a.buf, data...)
	a.cols, a.rows = cols, rows
	if len(a.buf) > batchBytes {
		select {
		case c.flushNow <- struct{}{}:
		default:
		}
	}
}

// ResyncSession replays one session after its host link recovered:
// a Resync frame followed immediately by the fresh snapshot, with no
// frame in between for that session.
func (c *Client) ResyncSession(sid string, cols, rows uint16, snapshot []byte) {
	c.amu.Lock()
	delete(c.accums, sid)
	c.amu.Unlock()

	frames := [][]byte{muxproto.EncodeResync(sid), c.snapshotFrame(sid, cols, rows, snapshot)}
	c.enqueueAll(frames)
}

// DropSession discards viewer state for a destroyed session.
func (c *Client) DropSession(sid string) {
	c.amu.Lock()
	delete(c.accums, sid)
	if c.hint == sid {
		c.hint = ""
	}
	c.amu.Unlock()
}

// PushFrame enqueues an already-encoded frame (session state
// announcements).
func (c *Client) PushFrame(frame []byte) {
	c.enqueue(frame)
}

// snapshotFrame encodes a scrollback snapshot, compressed when large.
func (c *Client) snapshotFrame(sid string, cols, rows uint16, snapshot []byte) []byte {
	if len(snapshot) > batchBytes {
		gz := gzipBytes(snapshot)
		return muxproto.EncodeCompressedOutput(sid, cols, rows, uint32(len(snapshot)), gz)
	}
	return muxproto.EncodeOutput(sid, cols, rows, snapshot)
}

// enqueue appends one frame with drop-oldest overflow. Any drop flags a
// resync: the queue's remains are stale from that point on.
func (c *Client) enqueue(frame []byte) {
	c.qmu.Lock()
	if len(c.queue) >= c.queueCap {
		c.queue = c.queue[1:]
		c.needsResync = true
	}
	c.queue = append(c.queue, frame)
	ch := c.qnotify
	c.qnotify = make(chan struct{})
	c.qmu.Unlock()
	close(ch)
}

// enqueueAll appends frames as one atomic block so nothing interleaves
// between them.
func (c *Client) enqueueAll(frames [][]byte) {
	c.qmu.Lock()
	for _, frame := range frames {
		if len(c.queue) >= c.queueCap {
			c.queue = c.queue[1:]
			c.needsResync = true
		}
		c.queue = append(c.queue, frame)
	}
	ch := c.qnotify
	c.qnotify = make(chan struct{})
	c.qmu.Unlock()
	close(ch)
}

// sendLoop is the single writer: dequeue in order, one WebSocket binary
// message per frame. It also owns resync so no frame can interleave
// between a session's Resync and its snapshot.
func (c *Client) sendLoop() {
	defer close(c.done)
	for {
		c.qmu.Lock()
		resync := c.needsResync
		var frame []byte
		if !resync && len(c.queue) > 0 {
			frame = c.queue[0]
			c.queue = c.queue[1:]
		}
		wait := c.qnotify
		c.qmu.Unlock()

		if resync {
			if err := c.doResync(); err != nil {
				c.discardQueue()
				return
			}
			continue
		}
		if frame != nil {
			if err := c.send(frame); err != nil {
				c.discardQueue()
				return
			}
			continue
		}

		select {
		case <-wait:
		case <-c.ctx.Done():
			c.discardQueue()
			return
		}
	}
}

// doResync recovers from queue overflow: stale frames are discarded,
// every known session gets a Resync and a fresh scrollback snapshot, and
// whatever accumulated meanwhile drains as ordinary output.
func (c *Client) doResync() error {
	c.qmu.Lock()
	c.queue = nil
	c.qmu.Unlock()

	for _, sid := range c.mgr.SessionIDs() {
		if err := c.send(muxproto.EncodeResync(sid)); err != nil {
			return err
		}
		snapshot, err := c.mgr.GetBuffer(sid)
		if err != nil {
			continue // session is going away; its destroyed frame follows
		}
		cols, rows, ok := c.mgr.Dims(sid)
		if !ok {
			continue
		}
		// The snapshot covers everything accumulated up to now.
		c.amu.Lock()
		delete(c.accums, sid)
		c.amu.Unlock()
		if err := c.send(c.snapshotFrame(sid, cols, rows, snapshot)); err != nil {
			return err
		}
	}

	// Output that raced in during the snapshots drains as normal frames.
	c.amu.Lock()
	pending := c.accums
	c.accums = make(map[string]*accum)
	c.amu.Unlock()
	for sid, a := range pending {
		if len(a.buf) == 0 {
			continue
		}
		if err := c.send(muxproto.EncodeOutput(sid, a.cols, a.rows, a.buf)); err != nil {
			return err
		}
	}

	c.qmu.Lock()
	c.needsResync = false
	c.qmu.Unlock()
	return nil
}

// flushLoop ships background batches: anything past the size threshold
// immediately, anything older than the age threshold on the tick. GZip
// runs here, off the broadcaster's fan-out path.
func (c *Client) flushLoop() {
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.flushNow:
		case <-ticker.C:
		}

		c.qmu.Lock()
		resyncing := c.needsResync
		c.qmu.Unlock()
		if resyncing {
			continue // resync drains accumulators itself
		}

		c.amu.Lock()
		for sid, a := range c.accums {
			if len(a.buf) == 0 {
				continue
			}
			if len(a.buf) > batchBytes || time.Since(a.first) >= batchAge {
				c.flushAccumLocked(sid)
			}
		}
		c.amu.Unlock()
	}
}

// flushAccumLocked compresses and enqueues one session's batch. Caller
// holds amu.
func (c *Client) flushAccumLocked(sid string) {
	a := c.accums[sid]
	if a == nil || len(a.buf) == 0 {
		return
	}
	gz := gzipBytes(a.buf)
	frame := muxproto.EncodeCompressedOutput(sid, a.cols, a.rows, uint32(len(a.buf)), gz)
	delete(c.accums, sid)
	c.enqueue(frame)
}

// send writes one frame as one binary message under the send mutex, with
// the per-message timeout. A timeout disconnects the viewer.
func (c *Client) send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}

func (c *Client) discardQueue() {
	c.qmu.Lock()
	c.queue = nil
	c.qmu.Unlock()
}

func gzipBytes(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}
