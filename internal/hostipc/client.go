package hostipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mterm/mterm/internal/logger"
)

// Link states reported through OnState.
const (
	StateConnected    = "connected"
	StateUnhealthy    = "unhealthy"
	StateReconnecting = "reconnecting"
	StateClosed       = "closed"
)

const (
	handshakeTimeout = 5 * time.Second
	requestTimeout   = 5 * time.Second
	pingInterval     = 5 * time.Second
	pongTimeout      = 3 * time.Second
	reconnectBase    = 100 * time.Millisecond
	reconnectMax     = 30 * time.Second
)

// ErrClosed is returned by requests after the client is disposed.
var ErrClosed = errors.New("hostipc: client closed")

// ClientOptions configures a Client beyond its callbacks.
type ClientOptions struct {
	// DownGrace bounds how long the client keeps reconnecting before it
	// declares the host dead and fires OnDown. Zero means 60s.
	DownGrace time.Duration

	// Dial overrides the endpoint dialer. Tests use this; production
	// code dials the unix socket for the session id.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Client is the web-server side of a host IPC link: it sends commands,
// receives output frames, heartbeats, and reconnects with backoff.
type Client struct {
	SessionID string

	// OnOutput receives PTY output in arrival order. Called from the
	// read loop; implementations must hand off quickly.
	OnOutput func(sessionID string, data []byte)
	// OnStateChanged fires with a fresh snapshot after the host signals
	// a state change.
	OnStateChanged func(info SessionInfo)
	// OnResync fires after a reconnect handshake with the re-fetched
	// info and scrollback snapshot.
	OnResync func(info SessionInfo, snapshot []byte)
	// OnDown fires once when the link cannot be recovered within the
	// grace window. The client is closed afterwards.
	OnDown func(err error)
	// OnState observes link state transitions.
	OnState func(state string)

	opts ClientOptions

	mu   sync.Mutex // guards conn
	conn net.Conn

	wmu sync.Mutex // serializes frame writes

	reqMu   sync.Mutex // at most one request in flight
	pendMu  sync.Mutex
	pending chan respFrame

	infoMu sync.Mutex
	info   SessionInfo

	pongCh chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
	started bool
}

type respFrame struct {
	typ     byte
	payload []byte
}

// Dial connects to the host for sessionID and fetches the initial
// session snapshot. The handshake is bounded by a 5s timeout; failure is
// fatal for session creation. Attach callbacks, then call Start.
func Dial(ctx context.Context, sessionID string, opts ClientOptions) (*Client, error) {
	if opts.DownGrace == 0 {
		opts.DownGrace = 60 * time.Second
	}
	if opts.Dial == nil {
		endpoint := ServerEndpointName(sessionID)
		opts.Dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", endpoint)
		}
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		SessionID: sessionID,
		opts:      opts,
		pongCh:    make(chan struct{}, 1),
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	hctx, hcancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hcancel()
	conn, info, err := c.dialAndHandshake(hctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.setConn(conn)
	c.storeInfo(info)
	return c, nil
}

// Start begins the read, heartbeat, and reconnect loops. Separate from
// Dial so callers can attach callbacks before the first frame arrives.
func (c *Client) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.run()
}

func (c *Client) run() {
	defer close(c.done)
	bo := NewBackoff(reconnectBase, reconnectMax)

	for {
		c.notifyState(StateConnected)
		err := c.serve()
		if c.ctx.Err() != nil {
			c.notifyState(StateClosed)
			return
		}
		logger.Warn("host link lost", "session", c.SessionID, "err", err)
		c.notifyState(StateReconnecting)

		bo.Reset()
		downSince := time.Now()
		recovered := false
		for !recovered {
			if time.Since(downSince) > c.opts.DownGrace {
				logger.Error("host link unrecoverable", "session", c.SessionID, "err", err)
				if c.OnDown != nil {
					c.OnDown(err)
				}
				c.notifyState(StateClosed)
				c.cancel()
				return
			}
			select {
			case <-c.ctx.Done():
				c.notifyState(StateClosed)
				return
			case <-time.After(bo.Next()):
			}

			hctx, hcancel := context.WithTimeout(c.ctx, handshakeTimeout)
			conn, info, derr := c.dialAndHandshake(hctx)
			if derr != nil {
				hcancel()
				continue
			}
			snapshot, berr := syncRequest(hctx, conn, MsgGetBuffer, nil, MsgBuffer, c.dispatchEvent)
			hcancel()
			if berr != nil {
				conn.Close()
				continue
			}
			c.setConn(conn)
			c.storeInfo(info)
			logger.Info("host link recovered", "session", c.SessionID)
			if c.OnResync != nil {
				c.OnResync(info, snapshot)
			}
			recovered = true
		}
	}
}

// dialAndHandshake connects and performs the initial InfoRequest inline,
// before the read loop exists for this connection.
func (c *Client) dialAndHandshake(ctx context.Context) (net.Conn, SessionInfo, error) {
	conn, err := c.opts.Dial(ctx)
	if err != nil {
		return nil, SessionInfo{}, fmt.Errorf("dial host: %w", err)
	}
	payload, err := syncRequest(ctx, conn, MsgInfoRequest, nil, MsgInfo, c.dispatchEvent)
	if err != nil {
		conn.Close()
		return nil, SessionInfo{}, fmt.Errorf("handshake: %w", err)
	}
	info, err := UnmarshalInfo(payload)
	if err != nil {
		conn.Close()
		return nil, SessionInfo{}, err
	}
	return conn, info, nil
}

// syncRequest writes a request and reads frames inline until the matching
// response type arrives. Event frames received in between are dispatched,
// not consumed as the response.
func syncRequest(ctx context.Context, conn net.Conn, req byte, payload []byte, want byte, dispatch func(typ byte, payload []byte)) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}
	if err := WriteFrame(conn, req, payload); err != nil {
		return nil, err
	}
	for {
		typ, body, err := ReadFrame(conn)
		if err != nil {
			return nil, err
		}
		switch typ {
		case want:
			return body, nil
		case MsgError:
			return nil, fmt.Errorf("host error: %s", body)
		case MsgPing:
			WriteFrame(conn, MsgPong, nil)
		default:
			if dispatch != nil {
				dispatch(typ, body)
			}
		}
	}
}

// serve runs the read loop and heartbeat for the current connection,
// returning when either fails or the client is closed.
func (c *Client) serve() error {
	conn := c.currentConn()
	if conn == nil {
		return ErrClosed
	}
	errCh := make(chan error, 2)
	hbCtx, hbCancel := context.WithCancel(c.ctx)
	defer hbCancel()

	go func() { errCh <- c.heartbeat(hbCtx, conn) }()
	go func() { errCh <- c.readLoop(conn) }()

	select {
	case <-c.ctx.Done():
		conn.Close()
		return c.ctx.Err()
	case err := <-errCh:
		conn.Close()
		return err
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	for {
		typ, payload, err := ReadFrame(conn)
		if err != nil {
			return err
		}
		switch typ {
		case MsgOutput, MsgStateChange:
			c.dispatchEvent(typ, payload)
		case MsgPing:
			c.writeFrame(MsgPong, nil)
		case MsgPong:
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		case MsgInfo, MsgBuffer, MsgResizeAck, MsgSetNameAck, MsgCloseAck, MsgError:
			c.pendMu.Lock()
			ch := c.pending
			c.pendMu.Unlock()
			if ch != nil {
				select {
				case ch <- respFrame{typ, payload}:
				default:
				}
			} else if typ == MsgError {
				logger.Warn("host error", "session", c.SessionID, "msg", string(payload))
			}
		default:
			logger.Debug("unknown ipc frame", "session", c.SessionID, "type", typ)
		}
	}
}

func (c *Client) dispatchEvent(typ byte, payload []byte) {
	switch typ {
	case MsgOutput:
		if c.OnOutput != nil {
			c.OnOutput(c.SessionID, payload)
		}
	case MsgStateChange:
		// Re-fetch info off the read loop; the response routes back
		// through it.
		go func() {
			info, err := c.GetInfo(c.ctx)
			if err != nil {
				return
			}
			if c.OnStateChanged != nil {
				c.OnStateChanged(info)
			}
		}()
	}
}

// heartbeat pings every 5s and expects a pong within 3s. Two consecutive
// misses mark the link unhealthy; a third forces reconnect.
func (c *Client) heartbeat(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		// Drain any stale pong before pinging.
		select {
		case <-c.pongCh:
		default:
		}
		if err := c.writeFrameTo(conn, MsgPing, nil); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		select {
		case <-c.pongCh:
			if missed >= 2 {
				c.notifyState(StateConnected)
			}
			missed = 0
		case <-time.After(pongTimeout):
			missed++
			if missed == 2 {
				logger.Warn("host link unhealthy", "session", c.SessionID, "missed", missed)
				c.notifyState(StateUnhealthy)
			}
			if missed > 2 {
				return fmt.Errorf("missed %d pongs", missed)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// request performs one request/response exchange through the read loop.
func (c *Client) request(ctx context.Context, req byte, payload []byte, want byte) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	ch := make(chan respFrame, 1)
	c.pendMu.Lock()
	c.pending = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		c.pending = nil
		c.pendMu.Unlock()
	}()

	if err := c.writeFrame(req, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.typ == MsgError {
			return nil, fmt.Errorf("host error: %s", resp.payload)
		}
		if resp.typ != want {
			return nil, fmt.Errorf("unexpected response type %#x, want %#x", resp.typ, want)
		}
		return resp.payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %#x timed out", req)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// GetInfo fetches the current session snapshot.
func (c *Client) GetInfo(ctx context.Context) (SessionInfo, error) {
	payload, err := c.request(ctx, MsgInfoRequest, nil, MsgInfo)
	if err != nil {
		return SessionInfo{}, err
	}
	info, err := UnmarshalInfo(payload)
	if err != nil {
		return SessionInfo{}, err
	}
	c.storeInfo(info)
	return info, nil
}

// GetBuffer fetches the host's scrollback snapshot.
func (c *Client) GetBuffer(ctx context.Context) ([]byte, error) {
	return c.request(ctx, MsgGetBuffer, nil, MsgBuffer)
}

// Resize asks the host to resize the PTY.
func (c *Client) Resize(ctx context.Context, cols, rows uint16) error {
	_, err := c.request(ctx, MsgResize, EncodeResize(cols, rows), MsgResizeAck)
	return err
}

// SetName renames the session; empty clears the name.
func (c *Client) SetName(ctx context.Context, name string) error {
	_, err := c.request(ctx, MsgSetName, []byte(name), MsgSetNameAck)
	return err
}

// SendInput forwards raw input bytes to the PTY. Fire-and-forget.
func (c *Client) SendInput(data []byte) error {
	return c.writeFrame(MsgInput, data)
}

// CloseSession asks the host to terminate the shell and exit.
func (c *Client) CloseSession(ctx context.Context) error {
	_, err := c.request(ctx, MsgClose, nil, MsgCloseAck)
	return err
}

// Info returns the last snapshot received from the host.
func (c *Client) Info() SessionInfo {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info
}

// Close disposes the client and its connection. Idempotent.
func (c *Client) Close() {
	c.cancel()
	if conn := c.currentConn(); conn != nil {
		conn.Close()
	}
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Client) storeInfo(info SessionInfo) {
	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) writeFrame(typ byte, payload []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrClosed
	}
	return c.writeFrameTo(conn, typ, payload)
}

func (c *Client) writeFrameTo(conn net.Conn, typ byte, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(conn, typ, payload)
}

func (c *Client) notifyState(state string) {
	if c.OnState != nil {
		c.OnState(state)
	}
}
