package mux

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mterm/mterm/internal/muxproto"
)

// fakeHandle records what the viewer asks of the session manager.
type fakeHandle struct {
	mu      sync.Mutex
	inputs  []inputCall
	resizes []resizeCall
	actives []string
	ids     []string
	buffers map[string][]byte
}

type inputCall struct {
	sid    string
	data   []byte
	viewer string
}

type resizeCall struct {
	sid        string
	cols, rows uint16
	viewer     string
}

func newFakeHandle(ids ...string) *fakeHandle {
	buffers := make(map[string][]byte)
	for _, id := range ids {
		buffers[id] = []byte("snapshot-" + id)
	}
	return &fakeHandle{ids: ids, buffers: buffers}
}

func (f *fakeHandle) SendInput(id string, data []byte, viewerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, inputCall{id, append([]byte(nil), data...), viewerID})
	return nil
}

func (f *fakeHandle) Resize(id string, cols, rows uint16, viewerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, resizeCall{id, cols, rows, viewerID})
	return true
}

func (f *fakeHandle) GetBuffer(id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffers[id], nil
}

func (f *fakeHandle) Dims(id string) (uint16, uint16, bool) {
	return 80, 24, true
}

func (f *fakeHandle) SessionIDs() []string {
	return f.ids
}

func (f *fakeHandle) SetActiveViewer(id, viewerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actives = append(f.actives, id+"/"+viewerID)
}

// viewerPair spins up a served Client and a browser-side socket.
func viewerPair(t *testing.T, handle SessionHandle, queueCap int) (*Client, *websocket.Conn) {
	return viewerPairID(t, handle, queueCap, "viewer-1")
}

func viewerPairID(t *testing.T, handle SessionHandle, queueCap int, viewerID string) (*Client, *websocket.Conn) {
	t.Helper()
	ready := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("accept: %v", err)
			return
		}
		c := NewClient(viewerID, ws, handle, queueCap)
		ready <- c
		c.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)
	t.Cleanup(func() { conn.CloseNow() })

	select {
	case c := <-ready:
		return c, conn
	case <-time.After(5 * time.Second):
		t.Fatal("server never created the client")
		return nil, nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) muxproto.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := muxproto.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestInitFrameFirst(t *testing.T) {
	_, conn := viewerPair(t, newFakeHandle(), 0)
	f := readFrame(t, conn, 2*time.Second)
	if f.Type != muxproto.TypeInit {
		t.Fatalf("first frame type = %#x, want init", f.Type)
	}
	if f.SessionID != "" {
		t.Errorf("init session id = %q, want all-zero", f.SessionID)
	}
}

func TestInputAndResizeRouting(t *testing.T) {
	h := newFakeHandle("sessionA")
	_, conn := viewerPair(t, h, 0)
	readFrame(t, conn, 2*time.Second) // init

	ctx := context.Background()
	conn.Write(ctx, websocket.MessageBinary, muxproto.EncodeInput("sessionA", []byte("ls\n")))
	conn.Write(ctx, websocket.MessageBinary, muxproto.EncodeResize("sessionA", 100, 50))

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		ni, nr := len(h.inputs), len(h.resizes)
		h.mu.Unlock()
		if ni == 1 && nr == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("routing incomplete: %d inputs, %d resizes", ni, nr)
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if string(h.inputs[0].data) != "ls\n" || h.inputs[0].viewer != "viewer-1" {
		t.Errorf("input = %+v", h.inputs[0])
	}
	if h.resizes[0].cols != 100 || h.resizes[0].rows != 50 || h.resizes[0].viewer != "viewer-1" {
		t.Errorf("resize = %+v", h.resizes[0])
	}
}

func TestActiveSessionOutputIsImmediate(t *testing.T) {
	h := newFakeHandle("sessionA")
	client, conn := viewerPair(t, h, 0)
	readFrame(t, conn, 2*time.Second) // init

	ctx := context.Background()
	conn.Write(ctx, websocket.MessageBinary, muxproto.Encode(muxproto.Frame{
		Type: muxproto.TypeActiveSessionHint, SessionID: "sessionA",
	}))
	// The hint races the push; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		n := len(h.actives)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("active hint never reached the handle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client.PushOutput("sessionA", 80, 24, []byte("hello world"))

	f := readFrame(t, conn, 2*time.Second)
	if f.Type != muxproto.TypeOutput {
		t.Fatalf("frame type = %#x, want output", f.Type)
	}
	cols, rows, data, err := muxproto.ParseOutput(f.Payload)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if cols != 80 || rows != 24 || string(data) != "hello world" {
		t.Errorf("output = %dx%d %q", cols, rows, data)
	}
}

func TestBackgroundOutputBatchesCompressed(t *testing.T) {
	h := newFakeHandle("sessionB")
	client, conn := viewerPair(t, h, 0)
	readFrame(t, conn, 2*time.Second) // init

	// No active hint: everything for sessionB accumulates. Crossing the
	// 2 KiB threshold flushes one gzip batch with both writes in order.
	first := bytes.Repeat([]byte("a"), 500)
	second := bytes.Repeat([]byte("b"), 1700)
	client.PushOutput("sessionB", 80, 24, first)
	client.PushOutput("sessionB", 80, 24, second)

	f := readFrame(t, conn, 3*time.Second)
	if f.Type != muxproto.TypeCompressedOutput {
		t.Fatalf("frame type = %#x, want compressed output", f.Type)
	}
	_, _, uncompLen, gz, err := muxproto.ParseCompressedOutput(f.Payload)
	if err != nil {
		t.Fatalf("ParseCompressedOutput: %v", err)
	}
	if uncompLen != 2200 {
		t.Errorf("uncompLen = %d, want 2200", uncompLen)
	}
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	want := append(append([]byte(nil), first...), second...)
	if !bytes.Equal(plain, want) {
		t.Errorf("batch = %d bytes, want %d in order", len(plain), len(want))
	}
}

func TestSmallBackgroundBatchFlushesByAge(t *testing.T) {
	h := newFakeHandle("sessionB")
	client, conn := viewerPair(t, h, 0)
	readFrame(t, conn, 2*time.Second) // init

	client.PushOutput("sessionB", 80, 24, []byte("tiny"))

	f := readFrame(t, conn, 4*time.Second) // batchAge is 2s
	if f.Type != muxproto.TypeCompressedOutput {
		t.Fatalf("frame type = %#x, want compressed output", f.Type)
	}
	_, _, _, gz, err := muxproto.ParseCompressedOutput(f.Payload)
	if err != nil {
		t.Fatalf("ParseCompressedOutput: %v", err)
	}
	zr, _ := gzip.NewReader(bytes.NewReader(gz))
	plain, _ := io.ReadAll(zr)
	if string(plain) != "tiny" {
		t.Errorf("batch = %q, want tiny", plain)
	}
}

func TestOverflowDrivesSingleResyncPerSession(t *testing.T) {
	h := newFakeHandle("sessionA", "sessionB")
	client, conn := viewerPair(t, h, 4)
	readFrame(t, conn, 2*time.Second) // init

	client.setActiveHint("sessionA")

	// Freeze the writer, then hammer the queue far past capacity.
	client.sendMu.Lock()
	for i := 0; i < 20; i++ {
		client.PushOutput("sessionA", 80, 24, []byte("spam-a"))
	}
	for i := 0; i < 20; i++ {
		client.PushOutput("sessionB", 80, 24, []byte("spam-b"))
	}
	client.qmu.Lock()
	needs := client.needsResync
	client.qmu.Unlock()
	if !needs {
		client.sendMu.Unlock()
		t.Fatal("overflow did not flag resync")
	}
	client.sendMu.Unlock()

	// Collect frames until both snapshots arrive.
	resyncs := map[string]int{}
	snapshotAfterResync := map[string]bool{}
	sawResync := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for len(snapshotAfterResync) < 2 && time.Now().Before(deadline) {
		f := readFrame(t, conn, 3*time.Second)
		switch f.Type {
		case muxproto.TypeResync:
			resyncs[f.SessionID]++
			sawResync[f.SessionID] = true
		case muxproto.TypeOutput, muxproto.TypeCompressedOutput:
			if sawResync[f.SessionID] && !snapshotAfterResync[f.SessionID] {
				var data []byte
				if f.Type == muxproto.TypeOutput {
					_, _, d, _ := muxproto.ParseOutput(f.Payload)
					data = d
				} else {
					_, _, _, gz, _ := muxproto.ParseCompressedOutput(f.Payload)
					zr, _ := gzip.NewReader(bytes.NewReader(gz))
					data, _ = io.ReadAll(zr)
				}
				if string(data) != "snapshot-"+f.SessionID {
					t.Errorf("first frame after resync for %s = %q, want its snapshot", f.SessionID, data)
				}
				snapshotAfterResync[f.SessionID] = true
			}
		}
	}

	for _, sid := range []string{"sessionA", "sessionB"} {
		if resyncs[sid] != 1 {
			t.Errorf("resync count for %s = %d, want exactly 1", sid, resyncs[sid])
		}
		if !snapshotAfterResync[sid] {
			t.Errorf("no snapshot followed the resync for %s", sid)
		}
	}
}

func TestMalformedFramesNeverKillTheViewer(t *testing.T) {
	h := newFakeHandle("sessionA")
	_, conn := viewerPair(t, h, 0)
	readFrame(t, conn, 2*time.Second) // init

	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10000; i++ {
		n := 9 + rng.Intn(56)
		msg := make([]byte, n)
		rng.Read(msg)
		if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
			t.Fatalf("write %d: connection died: %v", i, err)
		}
	}

	// A legitimate frame still works afterwards.
	conn.Write(ctx, websocket.MessageBinary, muxproto.EncodeInput("sessionA", []byte("still alive\n")))
	deadline := time.Now().Add(3 * time.Second)
	for {
		h.mu.Lock()
		var ok bool
		for _, in := range h.inputs {
			if string(in.data) == "still alive\n" {
				ok = true
			}
		}
		h.mu.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("viewer stopped processing after fuzz")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResyncSessionFramePairIsAtomic(t *testing.T) {
	h := newFakeHandle("sessionA")
	client, conn := viewerPair(t, h, 0)
	readFrame(t, conn, 2*time.Second) // init

	snapshot := bytes.Repeat([]byte("z"), 4096) // forces the compressed form
	client.ResyncSession("sessionA", 80, 24, snapshot)

	f1 := readFrame(t, conn, 2*time.Second)
	if f1.Type != muxproto.TypeResync || f1.SessionID != "sessionA" {
		t.Fatalf("first frame = %#x/%s, want resync for sessionA", f1.Type, f1.SessionID)
	}
	f2 := readFrame(t, conn, 2*time.Second)
	if f2.Type != muxproto.TypeCompressedOutput {
		t.Fatalf("second frame = %#x, want compressed snapshot", f2.Type)
	}
	_, _, uncompLen, gz, err := muxproto.ParseCompressedOutput(f2.Payload)
	if err != nil {
		t.Fatalf("ParseCompressedOutput: %v", err)
	}
	if uncompLen != 4096 {
		t.Errorf("uncompLen = %d, want 4096", uncompLen)
	}
	zr, _ := gzip.NewReader(bytes.NewReader(gz))
	plain, _ := io.ReadAll(zr)
	if !bytes.Equal(plain, snapshot) {
		t.Error("snapshot after gunzip differs")
	}
}
