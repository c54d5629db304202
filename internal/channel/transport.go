// Package channel owns the single persistent websocket connection between an
// authenticated dashboard session and the agent backend. It exposes a typed
// publish-subscribe surface over the inbound frame stream plus explicit
// connection-state observation for reconnect-dependent logic.
//
// Reconnection is caller-initiated. A network drop moves the transport back to
// StateClosed and notifies observers; callers reconnect and re-join their
// active thread before sending again, so nothing is silently queued across a
// gap in connectivity.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state. Sends succeed only in StateOpen.
type State string

const (
	StateClosed     State = "closed"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
)

// ErrNotOpen is returned by send paths when the connection is not open.
// User-triggered sends must surface this instead of queueing.
var ErrNotOpen = errors.New("channel not open")

// ErrConnectInProgress is returned by Connect while another Connect is still
// establishing the connection.
var ErrConnectInProgress = errors.New("connect already in progress")

// Handler receives decoded inbound events. Handlers for one connection are
// invoked sequentially from the read pump, never concurrently.
type Handler func(Event)

// StateObserver receives every state transition, in order, exactly once per
// transition.
type StateObserver func(State)

// SubID identifies one subscription for removal.
type SubID uint64

// Endpoint describes the channel URL. The same struct is re-derived with a new
// ThreadID to re-join a different thread after reconnect.
type Endpoint struct {
	BaseURL  string
	Token    string
	ThreadID string
}

// URL builds the websocket URL with auth token and optional thread scope.
func (e Endpoint) URL() (string, error) {
	base := strings.TrimSpace(e.BaseURL)
	if base == "" {
		return "", errors.New("missing channel base url")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid channel url: %w", err)
	}
	q := u.Query()
	if tok := strings.TrimSpace(e.Token); tok != "" {
		q.Set("token", tok)
	}
	if tid := strings.TrimSpace(e.ThreadID); tid != "" {
		q.Set("thread_id", tid)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Options tune transport timing. Zero values pick defaults.
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultReadTimeout      = 60 * time.Second
)

type subEntry struct {
	id SubID
	fn Handler
}

type observerEntry struct {
	id SubID
	fn StateObserver
}

// Transport is the channel transport. One instance per authenticated session,
// created on first thread view and closed on logout.
type Transport struct {
	log    *slog.Logger
	dialer *websocket.Dialer

	pingInterval time.Duration
	readTimeout  time.Duration

	mu          sync.Mutex
	state       State
	endpoint    Endpoint
	conn        *websocket.Conn
	gen         uint64
	nextID      SubID
	subs        map[EventType][]subEntry
	observers   []observerEntry
	pendingJoin string

	// writeMu serializes frame writes; gorilla conns allow one writer at a time.
	writeMu sync.Mutex

	// notifyMu serializes state-change notification so observers see
	// transitions in order even when connects and read-pump failures race.
	notifyMu sync.Mutex
}

func NewTransport(log *slog.Logger, opts Options) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	return &Transport{
		log:          log.With("component", "channel"),
		dialer:       &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		pingInterval: opts.PingInterval,
		readTimeout:  opts.ReadTimeout,
		state:        StateClosed,
		subs:         make(map[EventType][]subEntry),
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	if t == nil {
		return StateClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the connection. Calling it while already open to the
// same endpoint is a no-op; open to a different endpoint tears the old
// connection down first.
func (t *Transport) Connect(ctx context.Context, ep Endpoint) error {
	if t == nil {
		return errors.New("nil transport")
	}
	u, err := ep.URL()
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == StateOpen && t.endpoint == ep {
		t.mu.Unlock()
		return nil
	}
	if t.state == StateConnecting {
		t.mu.Unlock()
		return ErrConnectInProgress
	}
	old := t.conn
	t.conn = nil
	t.gen++
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	t.setState(StateConnecting)
	conn, _, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		t.setState(StateClosed)
		return fmt.Errorf("channel dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	})

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conn = conn
	t.endpoint = ep
	t.mu.Unlock()

	t.setState(StateOpen)
	go t.readLoop(conn, gen)
	go t.pingLoop(conn, gen)

	// Consumed only after the open transition. A JoinThread racing the
	// connect either sends directly or lands in pendingJoin before this read.
	t.mu.Lock()
	join := t.pendingJoin
	t.pendingJoin = ""
	t.mu.Unlock()
	if join != "" {
		if err := t.JoinThread(join); err != nil {
			t.log.Warn("queued thread join failed", "thread_id", join, "error", err)
		}
	}
	return nil
}

// Close tears the connection down and transitions to StateClosed. Safe to call
// repeatedly and from any state.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.gen++
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.setState(StateClosed)
	return nil
}

// Subscribe registers a handler for one event type. Multiple handlers per type
// are allowed; they run in registration order.
func (t *Transport) Subscribe(et EventType, h Handler) SubID {
	if t == nil || h == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.subs[et] = append(t.subs[et], subEntry{id: id, fn: h})
	return id
}

// Unsubscribe removes one subscription. Removing an id that is not registered
// is a no-op.
func (t *Transport) Unsubscribe(et EventType, id SubID) {
	if t == nil || id == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.subs[et]
	for i, e := range entries {
		if e.id == id {
			t.subs[et] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(t.subs[et]) == 0 {
		delete(t.subs, et)
	}
}

// ObserveState registers a state observer. It fires synchronously for every
// subsequent transition. The returned id removes it via RemoveStateObserver.
func (t *Transport) ObserveState(fn StateObserver) SubID {
	if t == nil || fn == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.observers = append(t.observers, observerEntry{id: id, fn: fn})
	return id
}

func (t *Transport) RemoveStateObserver(id SubID) {
	if t == nil || id == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, o := range t.observers {
		if o.id == id {
			t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
			return
		}
	}
}

// JoinThread sends the scope-join control frame. Called before the connection
// is open it queues the join, which is replayed once per transition to open.
func (t *Transport) JoinThread(threadID string) error {
	if t == nil {
		return errors.New("nil transport")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	t.mu.Lock()
	if t.state != StateOpen {
		t.pendingJoin = threadID
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.send(joinFrame{Type: "join_thread", ThreadID: threadID})
}

// SendChat transmits a user message with its correlation id. Fails with
// ErrNotOpen when the connection is down; callers surface that instead of
// queueing.
func (t *Transport) SendChat(threadID, content, optimisticID string) error {
	if t == nil {
		return errors.New("nil transport")
	}
	return t.send(chatFrame{
		Type:         "chat_message",
		ThreadID:     strings.TrimSpace(threadID),
		Content:      content,
		OptimisticID: strings.TrimSpace(optimisticID),
	})
}

type joinFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

type chatFrame struct {
	Type         string `json:"type"`
	ThreadID     string `json:"thread_id"`
	Content      string `json:"content"`
	OptimisticID string `json:"optimistic_id"`
}

func (t *Transport) send(v any) error {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (t *Transport) setState(s State) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	obs := make([]observerEntry, len(t.observers))
	copy(obs, t.observers)
	t.mu.Unlock()

	for _, o := range obs {
		o.fn(s)
	}
}

// readLoop is the single read pump for one connection generation. All event
// dispatch happens here, so handlers for a given connection are serialized.
func (t *Transport) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		ev, derr := DecodeEvent(raw)
		if derr != nil {
			t.log.Debug("dropping channel frame", "error", derr)
			continue
		}
		t.dispatch(ev)
	}

	t.mu.Lock()
	if t.gen != gen {
		// Superseded by a newer connect or an explicit Close; that path owns
		// the state transition.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()
	_ = conn.Close()
	t.setState(StateClosed)
}

func (t *Transport) dispatch(ev Event) {
	t.mu.Lock()
	entries := t.subs[ev.Type]
	handlers := make([]Handler, 0, len(entries))
	for _, e := range entries {
		handlers = append(handlers, e.fn)
	}
	t.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		stale := t.gen != gen
		t.mu.Unlock()
		if stale {
			return
		}
		t.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
