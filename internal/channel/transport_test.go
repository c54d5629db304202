package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsHarness is a minimal backend: it records every inbound frame and lets
// tests push frames down to the client.
type wsHarness struct {
	srv    *httptest.Server
	frames chan map[string]any
	query  chan url.Values

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	h := &wsHarness{
		frames: make(chan map[string]any, 16),
		query:  make(chan url.Values, 4),
	}
	up := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case h.query <- r.URL.Query():
		default:
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			h.frames <- frame
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) endpoint() Endpoint {
	return Endpoint{
		BaseURL: "ws" + strings.TrimPrefix(h.srv.URL, "http"),
		Token:   "tok_1",
	}
}

func (h *wsHarness) push(t *testing.T, raw string) {
	t.Helper()
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		t.Fatal("no server-side connection")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatal(err)
	}
}

func (h *wsHarness) dropClient() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (h *wsHarness) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame arrived")
		return nil
	}
}

// stateRecorder collects observed transitions in order.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	wake   chan struct{}
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{wake: make(chan struct{}, 16)}
}

func (r *stateRecorder) observe(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.states)
		last := State("")
		if n > 0 {
			last = r.states[n-1]
		}
		r.mu.Unlock()
		if last == want {
			return
		}
		select {
		case <-r.wake:
		case <-deadline:
			t.Fatalf("never reached state %q; saw %v", want, r.snapshot())
		}
	}
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func Test_Endpoint_url(t *testing.T) {
	ep := Endpoint{BaseURL: "wss://x.example/ws", Token: "t1", ThreadID: "th_1"}
	got, err := ep.URL()
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("token") != "t1" || u.Query().Get("thread_id") != "th_1" {
		t.Fatalf("query = %q", u.RawQuery)
	}

	if _, err := (Endpoint{}).URL(); err == nil {
		t.Fatal("empty base url must be rejected")
	}
}

func Test_Transport_connectAndClose(t *testing.T) {
	h := newWSHarness(t)
	tr := NewTransport(nil, Options{})
	rec := newStateRecorder()
	tr.ObserveState(rec.observe)

	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}
	if tr.State() != StateOpen {
		t.Fatalf("state = %q, want open", tr.State())
	}
	q := <-h.query
	if q.Get("token") != "tok_1" {
		t.Fatalf("token query = %q", q.Get("token"))
	}

	// Re-connecting to the same endpoint while open must not reconnect.
	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, StateClosed)
	got := rec.snapshot()
	want := []State{StateConnecting, StateOpen, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func Test_Transport_sendChat(t *testing.T) {
	h := newWSHarness(t)
	tr := NewTransport(nil, Options{})
	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if err := tr.SendChat("th_1", "hello", "opt_a"); err != nil {
		t.Fatal(err)
	}
	f := h.nextFrame(t)
	if f["type"] != "chat_message" || f["thread_id"] != "th_1" ||
		f["content"] != "hello" || f["optimistic_id"] != "opt_a" {
		t.Fatalf("frame = %v", f)
	}
}

func Test_Transport_sendRejectedWhenClosed(t *testing.T) {
	tr := NewTransport(nil, Options{})
	if err := tr.SendChat("th_1", "hello", "opt_a"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err = %v, want ErrNotOpen", err)
	}
}

func Test_Transport_queuedJoinReplayedOnConnect(t *testing.T) {
	h := newWSHarness(t)
	tr := NewTransport(nil, Options{})

	// Requested before the connection exists: queued, not an error.
	if err := tr.JoinThread("th_9"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	f := h.nextFrame(t)
	if f["type"] != "join_thread" || f["thread_id"] != "th_9" {
		t.Fatalf("frame = %v, want queued join replay", f)
	}
}

func Test_Transport_joinRacingConnectNotLost(t *testing.T) {
	h := newWSHarness(t)
	tr := NewTransport(nil, Options{})

	// Fire the join from a goroutine released mid-connect, while the dial is
	// still in flight. Whichever side of the open transition it lands on, the
	// frame must reach the server.
	connecting := make(chan struct{})
	tr.ObserveState(func(s State) {
		if s == StateConnecting {
			close(connecting)
		}
	})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-connecting
		if err := tr.JoinThread("th_7"); err != nil {
			t.Errorf("join during connect: %v", err)
		}
	}()

	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	wg.Wait()

	f := h.nextFrame(t)
	if f["type"] != "join_thread" || f["thread_id"] != "th_7" {
		t.Fatalf("frame = %v, want the racing join delivered", f)
	}
}

func Test_Transport_dispatchAndUnsubscribe(t *testing.T) {
	h := newWSHarness(t)
	tr := NewTransport(nil, Options{})
	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	got := make(chan Event, 4)
	id := tr.Subscribe(EventChat, func(ev Event) { got <- ev })

	h.push(t, `{"type":"chat","id":"m_1","sender_type":"agent","content":"hi"}`)
	select {
	case ev := <-got:
		if ev.Chat == nil || ev.Chat.ID != "m_1" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chat event never dispatched")
	}

	// Frames of a type nobody subscribed to are dropped silently.
	h.push(t, `{"type":"done"}`)

	tr.Unsubscribe(EventChat, id)
	h.push(t, `{"type":"chat","id":"m_2","sender_type":"agent","content":"bye"}`)
	select {
	case ev := <-got:
		t.Fatalf("handler still receiving after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func Test_Transport_serverDropTransitionsToClosed(t *testing.T) {
	h := newWSHarness(t)
	tr := NewTransport(nil, Options{})
	rec := newStateRecorder()
	tr.ObserveState(rec.observe)

	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}
	h.dropClient()
	rec.waitFor(t, StateClosed)
	if tr.State() != StateClosed {
		t.Fatalf("state = %q, want closed", tr.State())
	}

	// The drop invalidated the connection; a fresh Connect recovers.
	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	rec.waitFor(t, StateOpen)
}

func Test_Transport_invalidFramesSkipped(t *testing.T) {
	h := newWSHarness(t)
	tr := NewTransport(nil, Options{})
	if err := tr.Connect(context.Background(), h.endpoint()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	got := make(chan Event, 4)
	tr.Subscribe(EventChat, func(ev Event) { got <- ev })

	h.push(t, `{"type":"bogus"}`)
	h.push(t, `{"type":"chat","id":"m_3","sender_type":"agent","content":"still alive"}`)

	select {
	case ev := <-got:
		if ev.Chat.ID != "m_3" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read pump died on an unknown frame")
	}
}

func Test_Transport_unsubscribeUnknownIDIsNoop(t *testing.T) {
	tr := NewTransport(nil, Options{})
	tr.Unsubscribe(EventChat, 42)
	tr.RemoveStateObserver(7)
}
