package chat

import (
	"sort"
	"strings"
)

// TraceKind distinguishes the live "currently executing" line from the
// accumulated result summary.
type TraceKind string

const (
	TraceExecute TraceKind = "execute"
	TraceResult  TraceKind = "result"
)

// TraceEntry is one ephemeral execution-trace line. Entries live only while
// the owning agent reply is pending and are never persisted.
type TraceEntry struct {
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id,omitempty"`
	Kind      TraceKind `json:"kind"`
	Content   string    `json:"content"`
	AtUnixMs  int64     `json:"at_unix_ms"`
}

// TraceAggregator collects out-of-band thinking events per reply scope.
// Last-write-wins per kind: a new execute entry replaces the visible status
// line rather than appending, since this is a live status, not a log.
//
// A scope cleared by its terminal event stays cleared: stray events that
// arrive late (e.g. after completion, or re-delivered around a reconnect) are
// silently ignored until Reopen starts the next reply for that scope.
//
// Trace frames carry no sequence number, so "last received" stands in for
// "newest". Out-of-order delivery can briefly show a stale status line;
// accepted, the scope is short-lived and cleared on the terminal event.
//
// Not goroutine-safe; owned by the engine's single event context.
type TraceAggregator struct {
	scopes     map[string]map[TraceKind]TraceEntry
	terminated map[string]struct{}
}

func NewTraceAggregator() *TraceAggregator {
	return &TraceAggregator{
		scopes:     make(map[string]map[TraceKind]TraceEntry),
		terminated: make(map[string]struct{}),
	}
}

func traceScopeKey(threadID, messageID string) string {
	if messageID != "" {
		return threadID + ":" + messageID
	}
	return threadID
}

// Reopen re-arms a scope for the next pending reply, forgetting that it was
// previously terminated.
func (a *TraceAggregator) Reopen(threadID, messageID string) {
	delete(a.terminated, traceScopeKey(threadID, messageID))
}

// Observe records a trace event, transitioning its scope from idle to
// collecting on the first entry. Events for a terminated scope are dropped.
func (a *TraceAggregator) Observe(e TraceEntry) {
	e.ThreadID = strings.TrimSpace(e.ThreadID)
	e.MessageID = strings.TrimSpace(e.MessageID)
	if e.ThreadID == "" || (e.Kind != TraceExecute && e.Kind != TraceResult) {
		return
	}
	key := traceScopeKey(e.ThreadID, e.MessageID)
	if _, done := a.terminated[key]; done {
		return
	}
	if e.MessageID != "" {
		// A terminal event for the thread also closes message scopes that
		// only show up afterwards.
		if _, done := a.terminated[e.ThreadID]; done {
			return
		}
	}
	byKind := a.scopes[key]
	if byKind == nil {
		byKind = make(map[TraceKind]TraceEntry, 2)
		a.scopes[key] = byKind
	}
	byKind[e.Kind] = e
}

// Collecting reports whether the scope has any live entries.
func (a *TraceAggregator) Collecting(threadID, messageID string) bool {
	_, ok := a.scopes[traceScopeKey(threadID, messageID)]
	return ok
}

// Snapshot returns the current entries for a scope, execute first. Empty when
// the scope is idle, terminated, or unknown.
func (a *TraceAggregator) Snapshot(threadID, messageID string) []TraceEntry {
	byKind, ok := a.scopes[traceScopeKey(threadID, messageID)]
	if !ok {
		return nil
	}
	out := make([]TraceEntry, 0, len(byKind))
	if e, ok := byKind[TraceExecute]; ok {
		out = append(out, e)
	}
	if e, ok := byKind[TraceResult]; ok {
		out = append(out, e)
	}
	return out
}

// SnapshotThread returns the live entries across every scope a thread owns,
// whether or not the frames carried a message id. Scopes are ordered by key
// and execute precedes result within each, so output is stable.
func (a *TraceAggregator) SnapshotThread(threadID string) []TraceEntry {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil
	}
	keys := make([]string, 0, len(a.scopes))
	for key := range a.scopes {
		if key == threadID || strings.HasPrefix(key, threadID+":") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var out []TraceEntry
	for _, key := range keys {
		byKind := a.scopes[key]
		if e, ok := byKind[TraceExecute]; ok {
			out = append(out, e)
		}
		if e, ok := byKind[TraceResult]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Clear discards a scope and marks it terminated, as on the owning reply's
// done/failed event. Clearing an unknown scope is a no-op.
func (a *TraceAggregator) Clear(threadID, messageID string) {
	key := traceScopeKey(threadID, messageID)
	delete(a.scopes, key)
	a.terminated[key] = struct{}{}
}

// ClearThread discards and terminates every scope owned by a thread, as on
// the reply's terminal event or when the user switches away. The terminal
// frame carries no message id, so the whole thread is the clearing unit.
func (a *TraceAggregator) ClearThread(threadID string) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	for key := range a.scopes {
		if key == threadID || strings.HasPrefix(key, threadID+":") {
			delete(a.scopes, key)
			a.terminated[key] = struct{}{}
		}
	}
	a.terminated[threadID] = struct{}{}
}
