package chat

import (
	"strings"
	"sync"
	"time"
)

// RevealUnit selects the increment the reveal grows by.
type RevealUnit string

const (
	RevealChars RevealUnit = "chars"
	RevealLines RevealUnit = "lines"
)

const defaultRevealInterval = 30 * time.Millisecond

// Revealer re-presents an already-complete reply as an incremental reveal at
// a fixed cadence, independent of how it was delivered.
//
// Each slot (one message position in the transcript) carries a generation
// counter. Starting a reveal bumps the generation; the ticking goroutine
// re-checks its generation before every callback, so a superseded reveal can
// never write to the slot again after a newer one starts.
type Revealer struct {
	interval time.Duration

	mu   sync.Mutex
	gens map[string]uint64
}

func NewRevealer(interval time.Duration) *Revealer {
	if interval <= 0 {
		interval = defaultRevealInterval
	}
	return &Revealer{interval: interval, gens: make(map[string]uint64)}
}

// Reveal starts revealing fullText for the slot. onPartial receives a strictly
// growing prefix on each tick; onComplete fires exactly once with the full
// text. A reveal started later for the same slot supersedes this one.
func (r *Revealer) Reveal(slot, fullText string, chunkSize int, unit RevealUnit, onPartial func(string), onComplete func(string)) {
	if r == nil {
		return
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}

	r.mu.Lock()
	r.gens[slot]++
	gen := r.gens[slot]
	r.mu.Unlock()

	prefixes := revealPrefixes(fullText, chunkSize, unit)

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for _, prefix := range prefixes {
			<-ticker.C
			if !r.current(slot, gen) {
				return
			}
			if onPartial != nil {
				onPartial(prefix)
			}
		}
		if !r.current(slot, gen) {
			return
		}
		if onComplete != nil {
			onComplete(fullText)
		}
	}()
}

// Stop cancels any in-flight reveal for the slot without completing it.
func (r *Revealer) Stop(slot string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.gens[slot]++
	r.mu.Unlock()
}

func (r *Revealer) current(slot string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[slot] == gen
}

// revealPrefixes computes the strictly growing prefix series. Chars chunk by
// rune so a multi-byte character is never split mid-sequence.
func revealPrefixes(fullText string, chunkSize int, unit RevealUnit) []string {
	switch unit {
	case RevealLines:
		lines := strings.Split(fullText, "\n")
		out := make([]string, 0, (len(lines)+chunkSize-1)/chunkSize)
		for n := chunkSize; n < len(lines); n += chunkSize {
			out = append(out, strings.Join(lines[:n], "\n"))
		}
		out = append(out, fullText)
		return out
	default:
		runes := []rune(fullText)
		out := make([]string, 0, (len(runes)+chunkSize-1)/chunkSize)
		for n := chunkSize; n < len(runes); n += chunkSize {
			out = append(out, string(runes[:n]))
		}
		out = append(out, fullText)
		return out
	}
}
