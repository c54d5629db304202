package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/thaiqd1-tech/chatsync/internal/threadapi"
)

// DefaultThreadTitle is used when a thread is created implicitly on view
// entry rather than by an explicit "new conversation" action.
const DefaultThreadTitle = "New conversation"

// ResolveResult is everything a view needs to show a thread: the resolved id,
// its history, and the agent's full thread list for switching.
type ResolveResult struct {
	ThreadID string
	Created  bool
	Threads  []threadapi.Thread
	Messages []threadapi.Message
}

type resolveFlight struct {
	done chan struct{}
	res  *ResolveResult
	err  error
}

// Controller resolves which thread is active for an agent, creating one
// idempotently when none exists.
//
// A per-agent in-flight guard collapses concurrent initializations: followers
// wait for the leader's result instead of racing it to create a duplicate
// thread. The guard is bypassed only for forceNew, where the user explicitly
// asked for a fresh conversation.
type Controller struct {
	api ThreadAPI
	log *slog.Logger

	mu       sync.Mutex
	inflight map[string]*resolveFlight
	activeID string
	epoch    uint64
}

func NewController(api ThreadAPI, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		api:      api,
		log:      log.With("component", "controller"),
		inflight: make(map[string]*resolveFlight),
	}
}

// Resolve finds or creates the active thread for (agentID, workspaceID).
//
// With forceNew false it reuses an existing thread when the backend reports
// one, re-checking existence once more immediately before creating to close
// the window where another session created it first. With forceNew true both
// checks are skipped and a thread is always created.
//
// The history fetch and the thread-list fetch run concurrently; both must
// complete before the result is returned. On any failure no thread is left
// selected.
func (c *Controller) Resolve(ctx context.Context, agentID, workspaceID string, forceNew bool) (*ResolveResult, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("controller not ready")
	}
	agentID = strings.TrimSpace(agentID)
	workspaceID = strings.TrimSpace(workspaceID)
	if agentID == "" || workspaceID == "" {
		return nil, errors.New("missing agent_id/workspace_id")
	}

	var flight *resolveFlight
	if !forceNew {
		c.mu.Lock()
		if f := c.inflight[agentID]; f != nil {
			c.mu.Unlock()
			select {
			case <-f.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if f.err != nil {
				return nil, f.err
			}
			return f.res, nil
		}
		flight = &resolveFlight{done: make(chan struct{})}
		c.inflight[agentID] = flight
		c.mu.Unlock()
	}

	res, err := c.resolve(ctx, agentID, workspaceID, forceNew)

	c.mu.Lock()
	if flight != nil {
		flight.res, flight.err = res, err
		delete(c.inflight, agentID)
	}
	if err != nil {
		c.activeID = ""
	} else {
		c.activeID = res.ThreadID
		c.epoch++
	}
	c.mu.Unlock()
	if flight != nil {
		close(flight.done)
	}

	return res, err
}

func (c *Controller) resolve(ctx context.Context, agentID, workspaceID string, forceNew bool) (*ResolveResult, error) {
	var (
		wg      sync.WaitGroup
		threads []threadapi.Thread
		listErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		threads, listErr = c.api.ListThreadsByAgent(ctx, agentID)
	}()

	threadID := ""
	created := false
	if !forceNew {
		ex, err := c.api.ThreadExists(ctx, agentID, workspaceID)
		if err != nil {
			wg.Wait()
			return nil, err
		}
		if ex.Exists {
			threadID = strings.TrimSpace(ex.ThreadID)
		}
	}
	if threadID == "" {
		if !forceNew {
			// Another session may have created the thread since the first
			// probe; check once more before creating.
			ex, err := c.api.ThreadExists(ctx, agentID, workspaceID)
			if err != nil {
				wg.Wait()
				return nil, err
			}
			if ex.Exists {
				threadID = strings.TrimSpace(ex.ThreadID)
			}
		}
		if threadID == "" {
			th, err := c.api.CreateThread(ctx, threadapi.CreateThreadInput{
				WorkspaceID: workspaceID,
				AgentID:     agentID,
				Title:       DefaultThreadTitle,
			})
			if err != nil {
				wg.Wait()
				return nil, err
			}
			threadID = strings.TrimSpace(th.ID)
			created = true
			c.log.Info("created thread", "agent_id", agentID, "thread_id", threadID)
		}
	}

	msgs, err := c.api.GetThreadMessages(ctx, threadID)
	if err != nil {
		wg.Wait()
		return nil, err
	}

	wg.Wait()
	if listErr != nil {
		return nil, listErr
	}

	return &ResolveResult{
		ThreadID: threadID,
		Created:  created,
		Threads:  threads,
		Messages: msgs,
	}, nil
}

// SwitchThread makes another thread active and returns the new epoch. Async
// results captured under an older epoch are stale and must be discarded.
func (c *Controller) SwitchThread(threadID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeID = strings.TrimSpace(threadID)
	c.epoch++
	return c.epoch
}

// ActiveThreadID returns the currently selected thread, empty when none.
func (c *Controller) ActiveThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

func (c *Controller) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// StillCurrent reports whether a response captured for threadID at epoch may
// still be applied.
func (c *Controller) StillCurrent(threadID string, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID != "" && c.activeID == strings.TrimSpace(threadID) && c.epoch == epoch
}

// DeleteThread removes a thread server-side and clears the selection when the
// deleted thread was active.
func (c *Controller) DeleteThread(ctx context.Context, threadID string) error {
	if c == nil || c.api == nil {
		return errors.New("controller not ready")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	if err := c.api.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	c.mu.Lock()
	if c.activeID == threadID {
		c.activeID = ""
		c.epoch++
	}
	c.mu.Unlock()
	return nil
}
