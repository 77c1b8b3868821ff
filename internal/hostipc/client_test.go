package hostipc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(100*time.Millisecond, 30*time.Second)

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		6400 * time.Millisecond,
		12800 * time.Millisecond,
		25600 * time.Millisecond,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}
	for i, want := range expected {
		got := bo.Next()
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff(100*time.Millisecond, 30*time.Second)
	bo.Next()
	bo.Next()
	bo.Reset()
	if got := bo.Next(); got != 100*time.Millisecond {
		t.Errorf("after reset: got %v, want 100ms", got)
	}
}

// fakeHost answers the host side of the IPC protocol over a net.Pipe.
type fakeHost struct {
	mu           sync.Mutex
	info         SessionInfo
	buffer       []byte
	inputs       [][]byte
	resizes      [][2]uint16
	beforeBuffer func(conn net.Conn) // injected traffic before the Buffer reply
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		info: SessionInfo{
			ID:        "testsess",
			PID:       1234,
			CreatedAt: time.Now().UnixMilli(),
			IsRunning: true,
			Cols:      80,
			Rows:      24,
			ShellType: "bash",
		},
		buffer: []byte("scrollback contents"),
	}
}

func (h *fakeHost) serve(conn net.Conn) {
	defer conn.Close()
	for {
		typ, payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		switch typ {
		case MsgInfoRequest:
			h.mu.Lock()
			data, _ := MarshalInfo(h.info)
			h.mu.Unlock()
			WriteFrame(conn, MsgInfo, data)
		case MsgGetBuffer:
			h.mu.Lock()
			hook := h.beforeBuffer
			buf := h.buffer
			h.mu.Unlock()
			if hook != nil {
				hook(conn)
			}
			WriteFrame(conn, MsgBuffer, buf)
		case MsgResize:
			cols, rows, _ := DecodeResize(payload)
			h.mu.Lock()
			h.resizes = append(h.resizes, [2]uint16{cols, rows})
			h.mu.Unlock()
			WriteFrame(conn, MsgResizeAck, nil)
		case MsgSetName:
			h.mu.Lock()
			h.info.Name = string(payload)
			h.mu.Unlock()
			WriteFrame(conn, MsgSetNameAck, nil)
		case MsgClose:
			WriteFrame(conn, MsgCloseAck, nil)
			return
		case MsgInput:
			cp := make([]byte, len(payload))
			copy(cp, payload)
			h.mu.Lock()
			h.inputs = append(h.inputs, cp)
			h.mu.Unlock()
		case MsgPing:
			WriteFrame(conn, MsgPong, nil)
		}
	}
}

// dialTo returns a ClientOptions.Dial that pipes each dial into a fresh
// serve goroutine, and a way to kill the host side of the latest link.
func dialTo(h *fakeHost) (dial func(ctx context.Context) (net.Conn, error), kill func()) {
	var mu sync.Mutex
	var hostConn net.Conn
	dial = func(ctx context.Context) (net.Conn, error) {
		client, host := net.Pipe()
		mu.Lock()
		hostConn = host
		mu.Unlock()
		go h.serve(host)
		return client, nil
	}
	kill = func() {
		mu.Lock()
		defer mu.Unlock()
		if hostConn != nil {
			hostConn.Close()
		}
	}
	return dial, kill
}

func TestClientHandshakeAndRequests(t *testing.T) {
	h := newFakeHost()
	dial, _ := dialTo(h)

	c, err := Dial(context.Background(), "testsess", ClientOptions{Dial: dial})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	c.Start()

	if got := c.Info(); got.PID != 1234 || got.ShellType != "bash" {
		t.Errorf("Info = %+v, want pid 1234 shell bash", got)
	}

	ctx := context.Background()
	if err := c.Resize(ctx, 120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	h.mu.Lock()
	nr := len(h.resizes)
	h.mu.Unlock()
	if nr != 1 {
		t.Errorf("host saw %d resizes, want 1", nr)
	}

	buf, err := c.GetBuffer(ctx)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if string(buf) != "scrollback contents" {
		t.Errorf("GetBuffer = %q", buf)
	}

	if err := c.SetName(ctx, "deploys"); err != nil {
		t.Fatalf("SetName: %v", err)
	}

	if err := c.SendInput([]byte("ls\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		n := len(h.inputs)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("host never received input")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientDispatchesEventsBetweenRequestAndResponse(t *testing.T) {
	h := newFakeHost()
	var outputs [][]byte
	var omu sync.Mutex

	h.beforeBuffer = func(conn net.Conn) {
		// The host pushes output between our request and its response;
		// it must reach OnOutput, not be consumed as the reply.
		WriteFrame(conn, MsgOutput, []byte("interleaved"))
	}
	dial, _ := dialTo(h)

	c, err := Dial(context.Background(), "testsess", ClientOptions{Dial: dial})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	c.OnOutput = func(sid string, data []byte) {
		omu.Lock()
		outputs = append(outputs, append([]byte(nil), data...))
		omu.Unlock()
	}
	c.Start()

	buf, err := c.GetBuffer(context.Background())
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if string(buf) != "scrollback contents" {
		t.Errorf("GetBuffer = %q, want scrollback", buf)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		omu.Lock()
		n := len(outputs)
		omu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("interleaved output never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	omu.Lock()
	if string(outputs[0]) != "interleaved" {
		t.Errorf("output = %q, want interleaved", outputs[0])
	}
	omu.Unlock()
}

func TestClientReconnectReplaysSnapshot(t *testing.T) {
	h := newFakeHost()
	dial, kill := dialTo(h)

	resynced := make(chan []byte, 1)
	c, err := Dial(context.Background(), "testsess", ClientOptions{Dial: dial})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	c.OnResync = func(info SessionInfo, snapshot []byte) {
		select {
		case resynced <- append([]byte(nil), snapshot...):
		default:
		}
	}
	c.Start()

	h.mu.Lock()
	h.buffer = []byte("after reconnect")
	h.mu.Unlock()

	kill() // sever the link; the client must come back on its own

	select {
	case snap := <-resynced:
		if string(snap) != "after reconnect" {
			t.Errorf("resync snapshot = %q, want %q", snap, "after reconnect")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never resynced after reconnect")
	}
}

func TestClientHandshakeTimeout(t *testing.T) {
	// A dial that blocks forever must fail within the handshake window.
	dial := func(ctx context.Context) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	start := time.Now()
	_, err := Dial(context.Background(), "testsess", ClientOptions{Dial: dial})
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("handshake took %v, want bounded by ~5s", elapsed)
	}
}
