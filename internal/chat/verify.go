package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const defaultVerifyDelay = 2 * time.Second

// VerifyResult is the outcome of one post-send delivery cross-check.
type VerifyResult struct {
	ThreadID         string
	Delivered        bool
	AssistantReplied bool
}

// Verifier is a diagnostic cross-check on the HTTP path: a short, fixed delay
// after a send it re-fetches the thread's persisted history and confirms the
// sent content is durably there. It never mutates chat state; a miss only
// produces a warning.
type Verifier struct {
	api   ThreadAPI
	log   *slog.Logger
	delay time.Duration

	// warn surfaces a non-blocking user-visible warning; onResult, when set,
	// receives every outcome (used by the engine to note assistant replies).
	warn     func(string)
	onResult func(VerifyResult)
}

func NewVerifier(api ThreadAPI, log *slog.Logger, delay time.Duration, warn func(string), onResult func(VerifyResult)) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	if delay <= 0 {
		delay = defaultVerifyDelay
	}
	return &Verifier{
		api:      api,
		log:      log.With("component", "verifier"),
		delay:    delay,
		warn:     warn,
		onResult: onResult,
	}
}

// VerifyAfter schedules one check for a just-sent user message. It returns
// immediately; the check runs after the configured delay and is abandoned if
// ctx is canceled first.
func (v *Verifier) VerifyAfter(ctx context.Context, threadID, sentContent string) {
	if v == nil || v.api == nil {
		return
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	go func() {
		timer := time.NewTimer(v.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		v.check(ctx, threadID, sentContent)
	}()
}

func (v *Verifier) check(ctx context.Context, threadID, sentContent string) {
	msgs, err := v.api.GetThreadMessages(ctx, threadID)
	if err != nil {
		// The realtime path is primary; a failed cross-check is only logged.
		v.log.Debug("delivery verification fetch failed", "thread_id", threadID, "error", err)
		return
	}

	res := VerifyResult{ThreadID: threadID}
	want := strings.TrimSpace(sentContent)

	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if strings.TrimSpace(msgs[i].SenderType) == string(SenderUser) {
			lastUser = i
			break
		}
	}
	res.Delivered = lastUser >= 0 && strings.TrimSpace(msgs[lastUser].Content) == want
	for i := lastUser + 1; i < len(msgs); i++ {
		if strings.TrimSpace(msgs[i].SenderType) == string(SenderAgent) {
			res.AssistantReplied = true
			break
		}
	}

	if !res.Delivered {
		v.log.Warn("sent message not found in persisted history", "thread_id", threadID)
		if v.warn != nil {
			v.warn("Your last message may not have been delivered. Check your connection and try again.")
		}
	}
	if v.onResult != nil {
		v.onResult(res)
	}
}
