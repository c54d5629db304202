package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thaiqd1-tech/chatsync/internal/channel"
	"github.com/thaiqd1-tech/chatsync/internal/chat/historycache"
	"github.com/thaiqd1-tech/chatsync/internal/threadapi"
)

// ErrChannelNotOpen rejects a user send while the channel is down. Sends are
// never queued client-side: queueing could silently reorder messages across a
// reconnect.
var ErrChannelNotOpen = errors.New("channel not open; reconnect before sending")

// ErrNotJoined rejects a send after a reconnect until the active thread scope
// has been re-joined.
var ErrNotJoined = errors.New("thread not joined; re-join before sending")

// ErrNoActiveThread rejects a send while no thread is selected.
var ErrNoActiveThread = errors.New("no active thread")

// ErrReplyPending refuses deleting the active thread while the agent is still
// working on a reply, unless forced.
var ErrReplyPending = errors.New("reply in progress; finish or force")

// ChannelTransport is the transport contract the engine drives.
// *channel.Transport satisfies it; tests substitute fakes.
type ChannelTransport interface {
	State() channel.State
	Connect(ctx context.Context, ep channel.Endpoint) error
	Close() error
	Subscribe(et channel.EventType, h channel.Handler) channel.SubID
	Unsubscribe(et channel.EventType, id channel.SubID)
	ObserveState(fn channel.StateObserver) channel.SubID
	RemoveStateObserver(id channel.SubID)
	JoinThread(threadID string) error
	SendChat(threadID, content, optimisticID string) error
}

// Config tunes the engine's presentation behavior.
type Config struct {
	// Endpoint carries the channel base URL and auth token; the thread id is
	// re-derived per join.
	Endpoint channel.Endpoint

	RevealChunkSize int
	RevealUnit      RevealUnit
	RevealInterval  time.Duration
	VerifyDelay     time.Duration
}

// RevealState is the local rendering state of the reply currently being
// revealed. The underlying message is already complete; only Visible grows.
type RevealState struct {
	MessageID string
	Visible   string
	Done      bool
}

// Snapshot is a consistent copy of everything a renderer needs.
type Snapshot struct {
	ThreadID    string
	Messages    []Message
	Trace       []TraceEntry
	Thinking    bool
	Credits     float64
	Reveal      RevealState
	LastWarning string
}

// Engine is the reconciliation core: it owns the visible message list and the
// trace map, and is the only writer to either. Channel events, reveal ticks,
// verifier outcomes, and user actions are all serialized through one task
// loop, so reconciliation never needs locks around the transcript itself.
type Engine struct {
	log      *slog.Logger
	ch       ChannelTransport
	api      ThreadAPI
	cache    *historycache.Store
	ctrl     *Controller
	revealer *Revealer
	verifier *Verifier
	cfg      Config

	tasks chan func()
	done  chan struct{}
	stop  sync.Once

	updates chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	// Owned by the task loop.
	buffer       *Buffer
	traces       *TraceAggregator
	thinking     bool
	credits      float64
	joinedThread string
	shownThread  string
	reveal       RevealState
	revealSlot   string
	lastWarning  string

	chatSub    channel.SubID
	doneSub    channel.SubID
	statusSub  channel.SubID
	creditSub  channel.SubID
	subflowSub channel.SubID
	resultSub  channel.SubID
	stateObs   channel.SubID
}

// NewEngine wires the engine. cache may be nil to disable local history.
func NewEngine(log *slog.Logger, ch ChannelTransport, api ThreadAPI, cache *historycache.Store, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RevealChunkSize <= 0 {
		cfg.RevealChunkSize = 3
	}
	if cfg.RevealUnit == "" {
		cfg.RevealUnit = RevealChars
	}
	e := &Engine{
		log:      log.With("component", "engine"),
		ch:       ch,
		api:      api,
		cache:    cache,
		ctrl:     NewController(api, log),
		revealer: NewRevealer(cfg.RevealInterval),
		cfg:      cfg,
		tasks:    make(chan func(), 256),
		done:     make(chan struct{}),
		updates:  make(chan struct{}, 1),
		buffer:   NewBuffer(log),
		traces:   NewTraceAggregator(),
	}
	e.verifier = NewVerifier(api, log, cfg.VerifyDelay,
		func(msg string) {
			e.post(func() { e.lastWarning = msg })
		},
		nil,
	)
	return e
}

// Start launches the task loop and subscribes to channel events. It does not
// connect; callers connect via Connect (or Reconnect after a drop).
func (e *Engine) Start(ctx context.Context) {
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	go e.loop()

	e.chatSub = e.ch.Subscribe(channel.EventChat, e.onChat)
	e.doneSub = e.ch.Subscribe(channel.EventDone, e.onDone)
	e.statusSub = e.ch.Subscribe(channel.EventStatus, e.onStatus)
	e.creditSub = e.ch.Subscribe(channel.EventCreditUpdate, e.onCredit)
	e.subflowSub = e.ch.Subscribe(channel.EventSubflowLog, e.onSubflow)
	e.resultSub = e.ch.Subscribe(channel.EventSubflowResult, e.onSubflow)
	e.stateObs = e.ch.ObserveState(e.onState)
}

// Stop unsubscribes everything and halts the task loop. Subscriptions are
// removed individually so a restarted engine never sees leaked handlers.
func (e *Engine) Stop() {
	e.stop.Do(func() {
		e.ch.Unsubscribe(channel.EventChat, e.chatSub)
		e.ch.Unsubscribe(channel.EventDone, e.doneSub)
		e.ch.Unsubscribe(channel.EventStatus, e.statusSub)
		e.ch.Unsubscribe(channel.EventCreditUpdate, e.creditSub)
		e.ch.Unsubscribe(channel.EventSubflowLog, e.subflowSub)
		e.ch.Unsubscribe(channel.EventSubflowResult, e.resultSub)
		e.ch.RemoveStateObserver(e.stateObs)
		if e.runCancel != nil {
			e.runCancel()
		}
		close(e.done)
	})
}

// Updates signals (coalesced) that a Snapshot would render differently.
func (e *Engine) Updates() <-chan struct{} { return e.updates }

// Snapshot returns a consistent copy of the visible state.
func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	e.do(func() {
		tid := e.ctrl.ActiveThreadID()
		snap = Snapshot{
			ThreadID:    tid,
			Messages:    e.buffer.Messages(),
			Trace:       e.traces.SnapshotThread(tid),
			Thinking:    e.thinking,
			Credits:     e.credits,
			Reveal:      e.reveal,
			LastWarning: e.lastWarning,
		}
	})
	return snap
}

// Connect establishes the channel for this session.
func (e *Engine) Connect(ctx context.Context) error {
	ep := e.cfg.Endpoint
	ep.ThreadID = e.ctrl.ActiveThreadID()
	return e.ch.Connect(ctx, ep)
}

// Reconnect re-establishes a dropped channel and re-joins the active thread
// scope before any new send is accepted.
func (e *Engine) Reconnect(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	tid := e.ctrl.ActiveThreadID()
	if tid == "" {
		return nil
	}
	if err := e.ch.JoinThread(tid); err != nil {
		return err
	}
	e.do(func() { e.joinedThread = tid })
	return nil
}

// OpenAgent resolves the active thread for an agent view, joins its channel
// scope, and loads history. A result that arrives after the user has already
// moved to a different thread is discarded.
func (e *Engine) OpenAgent(ctx context.Context, agentID, workspaceID string, forceNew bool) (*ResolveResult, error) {
	res, err := e.ctrl.Resolve(ctx, agentID, workspaceID, forceNew)
	if err != nil {
		return nil, err
	}

	applied := false
	e.do(func() {
		if e.ctrl.ActiveThreadID() != res.ThreadID {
			// Stale: another open or switch won while we were resolving.
			return
		}
		hist := make([]Message, 0, len(res.Messages))
		for _, m := range res.Messages {
			hist = append(hist, messageFromAPI(m))
		}
		e.applyThread(res.ThreadID, hist)
		applied = true
	})
	if !applied {
		return res, nil
	}

	if err := e.ch.JoinThread(res.ThreadID); err != nil {
		e.log.Warn("thread join failed", "thread_id", res.ThreadID, "error", err)
	}
	e.do(func() { e.joinedThread = res.ThreadID })

	e.cacheThread(ctx, agentID, workspaceID, res)
	return res, nil
}

// SwitchThread makes an already-known thread active: trace scopes and reveal
// timers for the previous thread are canceled before the new history loads.
func (e *Engine) SwitchThread(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	epoch := e.ctrl.SwitchThread(threadID)

	// Cached transcript renders immediately while the fetch is in flight.
	cached := e.cachedMessages(ctx, threadID)
	e.do(func() {
		if e.ctrl.StillCurrent(threadID, epoch) {
			e.applyThread(threadID, cached)
		}
	})

	if err := e.ch.JoinThread(threadID); err != nil {
		return err
	}
	e.do(func() {
		if e.ctrl.StillCurrent(threadID, epoch) {
			e.joinedThread = threadID
		}
	})

	msgs, err := e.api.GetThreadMessages(ctx, threadID)
	if err != nil {
		return err
	}
	e.do(func() {
		if !e.ctrl.StillCurrent(threadID, epoch) {
			// The user switched again while the fetch was in flight.
			return
		}
		hist := make([]Message, 0, len(msgs))
		for _, m := range msgs {
			hist = append(hist, messageFromAPI(m))
		}
		e.buffer.Reset(hist)
	})

	if e.cache != nil {
		hist := make([]historycache.Message, 0, len(msgs))
		for _, m := range msgs {
			hist = append(hist, historycache.Message{
				ThreadID:        threadID,
				MessageID:       m.ID,
				SenderType:      m.SenderType,
				Content:         m.Content,
				CreatedAtUnixMs: m.CreatedAtUnixMs,
			})
		}
		if err := e.cache.ReplaceThreadMessages(ctx, threadID, hist); err != nil {
			e.log.Debug("history cache replace failed", "thread_id", threadID, "error", err)
		}
	}
	return nil
}

// Send appends an optimistic user message and transmits it with a fresh
// correlation id. Refused when the channel is not open or the active thread
// scope has not been joined since the last reconnect.
func (e *Engine) Send(ctx context.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", errors.New("empty message")
	}
	if e.ch.State() != channel.StateOpen {
		return "", ErrChannelNotOpen
	}

	var (
		optimisticID string
		sendErr      error
	)
	e.do(func() {
		tid := e.ctrl.ActiveThreadID()
		if tid == "" {
			sendErr = ErrNoActiveThread
			return
		}
		if e.joinedThread != tid {
			sendErr = ErrNotJoined
			return
		}

		optimisticID = "opt_" + uuid.NewString()
		e.buffer.AppendOptimistic(Message{
			OptimisticID: optimisticID,
			ThreadID:     tid,
			Sender:       SenderUser,
			Content:      content,
			CreatedAtMs:  time.Now().UnixMilli(),
		})
		// The next reply may produce a fresh trace scope.
		e.traces.Reopen(tid, "")
		e.lastWarning = ""

		if err := e.ch.SendChat(tid, content, optimisticID); err != nil {
			// Nothing went out, so the optimistic entry must not linger.
			e.buffer.RemovePending(optimisticID)
			optimisticID = ""
			sendErr = err
			return
		}
		e.verifier.VerifyAfter(e.runCtx, tid, content)
	})
	return optimisticID, sendErr
}

// RenameThread retitles a thread server-side and refreshes the local cache.
func (e *Engine) RenameThread(ctx context.Context, threadID, title string) error {
	if err := e.api.RenameThread(ctx, threadID, title); err != nil {
		return err
	}
	if e.cache != nil {
		if err := e.cache.SetThreadTitle(ctx, threadID, title); err != nil {
			e.log.Debug("history cache rename failed", "thread_id", threadID, "error", err)
		}
	}
	return nil
}

// DeleteThread removes a thread. Deleting the active thread while its reply
// is still pending is refused unless force is set.
func (e *Engine) DeleteThread(ctx context.Context, threadID string, force bool) error {
	var busy bool
	e.do(func() {
		busy = e.thinking && e.ctrl.ActiveThreadID() == strings.TrimSpace(threadID)
	})
	if busy && !force {
		return ErrReplyPending
	}
	if err := e.ctrl.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	if e.cache != nil {
		if err := e.cache.DeleteThread(ctx, threadID); err != nil {
			e.log.Debug("history cache delete failed", "thread_id", threadID, "error", err)
		}
	}
	e.do(func() {
		e.traces.ClearThread(threadID)
		if e.joinedThread == threadID {
			e.joinedThread = ""
		}
		if e.shownThread == threadID {
			e.thinking = false
		}
	})
	return nil
}

// ListThreads returns the agent's threads in update-recency order.
func (e *Engine) ListThreads(ctx context.Context, agentID string) ([]threadapi.Thread, error) {
	return e.api.ListThreadsByAgent(ctx, agentID)
}

// --- event handlers (read pump goroutine; mutate only via post) ---

func (e *Engine) onChat(ev channel.Event) {
	p := ev.Chat
	if p == nil {
		return
	}
	m := Message{
		ID:           strings.TrimSpace(p.ID),
		OptimisticID: strings.TrimSpace(p.OptimisticID),
		ThreadID:     strings.TrimSpace(p.ThreadID),
		Sender:       SenderType(strings.TrimSpace(p.SenderType)),
		Content:      p.Content,
		CreatedAtMs:  p.CreatedAtMs,
		Artifact:     p.Artifact,
	}
	if m.CreatedAtMs <= 0 {
		m.CreatedAtMs = ev.AtUnixMs
	}
	e.post(func() {
		active := e.ctrl.ActiveThreadID()
		if m.ThreadID != "" && active != "" && m.ThreadID != active {
			// Scoped join should prevent this; drop anything that leaks through.
			return
		}
		outcome := e.buffer.Reconcile(m)
		if outcome == ReconcileDuplicate || outcome == ReconcileDropped {
			return
		}
		e.persistConfirmed(m)
		if m.Sender == SenderAgent && outcome == ReconcileAppended {
			e.thinking = false
			e.traces.ClearThread(active)
			e.startReveal(m)
		}
	})
}

func (e *Engine) onDone(ev channel.Event) {
	e.post(func() {
		e.thinking = false
		e.traces.ClearThread(e.ctrl.ActiveThreadID())
	})
}

func (e *Engine) onStatus(ev channel.Event) {
	processing := ev.Status.Processing()
	e.post(func() {
		if processing {
			e.thinking = true
		}
	})
}

func (e *Engine) onCredit(ev channel.Event) {
	if ev.Credit == nil {
		return
	}
	balance := ev.Credit.Balance
	e.post(func() { e.credits = balance })
}

func (e *Engine) onSubflow(ev channel.Event) {
	p := ev.Subflow
	if p == nil {
		return
	}
	kind := TraceExecute
	if strings.TrimSpace(strings.ToLower(p.LogType)) == "result" {
		kind = TraceResult
	}
	entry := TraceEntry{
		ThreadID:  strings.TrimSpace(p.ThreadID),
		MessageID: strings.TrimSpace(p.MessageID),
		Kind:      kind,
		Content:   p.Content,
		AtUnixMs:  p.AtUnixMs,
	}
	if entry.AtUnixMs <= 0 {
		entry.AtUnixMs = ev.AtUnixMs
	}
	e.post(func() {
		if entry.ThreadID == "" {
			entry.ThreadID = e.ctrl.ActiveThreadID()
		}
		e.traces.Observe(entry)
	})
}

func (e *Engine) onState(s channel.State) {
	if s == channel.StateClosed {
		e.post(func() {
			// Sends stay rejected until the caller reconnects and re-joins.
			e.joinedThread = ""
		})
	}
}

// --- task-loop internals ---

// applyThread points the transcript at a thread: reveal timers and trace
// scopes tied to the previously shown thread are canceled first, then the
// buffer is reset to hist (which may be empty while a fetch is in flight).
func (e *Engine) applyThread(threadID string, hist []Message) {
	if e.shownThread != "" && e.shownThread != threadID {
		e.traces.ClearThread(e.shownThread)
	}
	if e.revealSlot != "" {
		e.revealer.Stop(e.revealSlot)
		e.revealSlot = ""
	}
	e.shownThread = threadID
	e.reveal = RevealState{}
	e.thinking = false
	e.lastWarning = ""
	e.buffer.Reset(hist)
}

func (e *Engine) startReveal(m Message) {
	slot := m.ID
	if slot == "" {
		slot = m.ThreadID
	}
	e.reveal = RevealState{MessageID: m.ID}
	e.revealSlot = slot
	e.revealer.Reveal(slot, m.Content, e.cfg.RevealChunkSize, e.cfg.RevealUnit,
		func(prefix string) {
			e.post(func() {
				if e.reveal.MessageID == m.ID {
					e.reveal.Visible = prefix
				}
			})
		},
		func(full string) {
			e.post(func() {
				if e.reveal.MessageID == m.ID {
					e.reveal.Visible = full
					e.reveal.Done = true
				}
			})
		},
	)
}

func (e *Engine) persistConfirmed(m Message) {
	if e.cache == nil || m.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := e.cache.AppendMessage(ctx, historycache.Message{
		ThreadID:        m.ThreadID,
		MessageID:       m.ID,
		SenderType:      string(m.Sender),
		Content:         m.Content,
		CreatedAtUnixMs: m.CreatedAtMs,
	})
	if err != nil {
		e.log.Debug("history cache append failed", "thread_id", m.ThreadID, "error", err)
	}
}

func (e *Engine) cachedMessages(ctx context.Context, threadID string) []Message {
	if e.cache == nil {
		return nil
	}
	cached, err := e.cache.ListMessages(ctx, threadID)
	if err != nil {
		e.log.Debug("history cache read failed", "thread_id", threadID, "error", err)
		return nil
	}
	out := make([]Message, 0, len(cached))
	for _, m := range cached {
		out = append(out, Message{
			ID:          m.MessageID,
			ThreadID:    m.ThreadID,
			Sender:      SenderType(m.SenderType),
			Content:     m.Content,
			CreatedAtMs: m.CreatedAtUnixMs,
		})
	}
	return out
}

func (e *Engine) cacheThread(ctx context.Context, agentID, workspaceID string, res *ResolveResult) {
	if e.cache == nil {
		return
	}
	now := time.Now().UnixMilli()
	err := e.cache.UpsertThread(ctx, historycache.Thread{
		ThreadID:        res.ThreadID,
		AgentID:         agentID,
		WorkspaceID:     workspaceID,
		Title:           DefaultThreadTitle,
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	})
	if err != nil {
		e.log.Debug("history cache thread upsert failed", "thread_id", res.ThreadID, "error", err)
	}
	hist := make([]historycache.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		hist = append(hist, historycache.Message{
			ThreadID:        res.ThreadID,
			MessageID:       m.ID,
			SenderType:      m.SenderType,
			Content:         m.Content,
			CreatedAtUnixMs: m.CreatedAtUnixMs,
		})
	}
	if err := e.cache.ReplaceThreadMessages(ctx, res.ThreadID, hist); err != nil {
		e.log.Debug("history cache replace failed", "thread_id", res.ThreadID, "error", err)
	}
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.done:
			return
		case fn := <-e.tasks:
			fn()
			e.bump()
		}
	}
}

// post queues a mutation onto the task loop without waiting.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// do queues a mutation and waits for it to run.
func (e *Engine) do(fn func()) {
	ran := make(chan struct{})
	select {
	case e.tasks <- func() { fn(); close(ran) }:
	case <-e.done:
		return
	}
	select {
	case <-ran:
	case <-e.done:
	}
}

func (e *Engine) bump() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}
