package chat

import (
	"log/slog"
	"strings"
)

// ReconcileOutcome reports what Reconcile did with an inbound message.
type ReconcileOutcome int

const (
	// ReconcileReplaced confirmed a pending optimistic entry in place.
	ReconcileReplaced ReconcileOutcome = iota
	// ReconcileAppended added a new message (no optimistic counterpart).
	ReconcileAppended
	// ReconcileDuplicate matched an already-confirmed message; no change.
	ReconcileDuplicate
	// ReconcileDropped rejected the message (agent message without a durable
	// id cannot be deduplicated on retransmit).
	ReconcileDropped
)

// Buffer is the visible message list with optimistic reconciliation. It is
// not goroutine-safe: the engine mutates it only from its single event
// context, which is the shared-resource policy for the whole transcript.
type Buffer struct {
	log *slog.Logger

	msgs         []Message
	byOptimistic map[string]int
	byServerID   map[string]int
}

func NewBuffer(log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		log:          log.With("component", "buffer"),
		byOptimistic: make(map[string]int),
		byServerID:   make(map[string]int),
	}
}

// Reset replaces the whole list, e.g. when authoritative history arrives.
// Pending optimistic entries are carried over so a concurrent in-flight send
// is not lost when the history fetch resolves.
func (b *Buffer) Reset(msgs []Message) {
	pending := make([]Message, 0)
	for _, m := range b.msgs {
		if m.Pending && !b.inHistory(msgs, m) {
			pending = append(pending, m)
		}
	}

	b.msgs = b.msgs[:0]
	b.byOptimistic = make(map[string]int)
	b.byServerID = make(map[string]int)
	for _, m := range msgs {
		b.appendIndexed(m)
	}
	for _, m := range pending {
		b.appendIndexed(m)
	}
}

func (b *Buffer) inHistory(history []Message, m Message) bool {
	if m.OptimisticID == "" {
		return false
	}
	for _, h := range history {
		if h.OptimisticID == m.OptimisticID {
			return true
		}
	}
	return false
}

// AppendOptimistic inserts a locally synthesized user message. The entry is
// marked pending until a confirmation with the same correlation id arrives.
func (b *Buffer) AppendOptimistic(m Message) {
	m.Pending = true
	b.appendIndexed(m)
}

// Reconcile applies the replace-or-append rule to an inbound message:
//
//   - a pending entry with the same optimistic id is replaced at its current
//     list position with the confirmed representation;
//   - a message whose server id (or optimistic id) is already confirmed is a
//     duplicate and ignored;
//   - an agent message with no server id is dropped, since a retransmit could
//     never be deduplicated;
//   - anything else appends (messages from other sessions/users).
//
// The rule is idempotent: the same confirmation applied twice changes nothing.
func (b *Buffer) Reconcile(m Message) ReconcileOutcome {
	m.ID = strings.TrimSpace(m.ID)
	m.OptimisticID = strings.TrimSpace(m.OptimisticID)

	if m.ID != "" {
		if _, ok := b.byServerID[m.ID]; ok {
			return ReconcileDuplicate
		}
	}

	if m.OptimisticID != "" {
		if i, ok := b.byOptimistic[m.OptimisticID]; ok {
			if !b.msgs[i].Pending {
				return ReconcileDuplicate
			}
			m.Pending = false
			b.msgs[i] = m
			if m.ID != "" {
				b.byServerID[m.ID] = i
			}
			return ReconcileReplaced
		}
	}

	if m.Sender == SenderAgent && m.ID == "" {
		b.log.Warn("dropping agent message without server id", "thread_id", m.ThreadID)
		return ReconcileDropped
	}

	m.Pending = false
	b.appendIndexed(m)
	return ReconcileAppended
}

// RemovePending drops a pending optimistic entry, used when the transmit
// itself failed and nothing went out. Confirmed entries are never removed.
func (b *Buffer) RemovePending(optimisticID string) bool {
	i, ok := b.byOptimistic[strings.TrimSpace(optimisticID)]
	if !ok || !b.msgs[i].Pending {
		return false
	}
	b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
	b.reindex()
	return true
}

func (b *Buffer) reindex() {
	b.byOptimistic = make(map[string]int, len(b.msgs))
	b.byServerID = make(map[string]int, len(b.msgs))
	for i, m := range b.msgs {
		if id := strings.TrimSpace(m.OptimisticID); id != "" {
			b.byOptimistic[id] = i
		}
		if id := strings.TrimSpace(m.ID); id != "" {
			b.byServerID[id] = i
		}
	}
}

// Messages returns a copy of the visible list.
func (b *Buffer) Messages() []Message {
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func (b *Buffer) Len() int { return len(b.msgs) }

func (b *Buffer) appendIndexed(m Message) {
	i := len(b.msgs)
	b.msgs = append(b.msgs, m)
	if id := strings.TrimSpace(m.OptimisticID); id != "" {
		b.byOptimistic[id] = i
	}
	if id := strings.TrimSpace(m.ID); id != "" {
		b.byServerID[id] = i
	}
}
