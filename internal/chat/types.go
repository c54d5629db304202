package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/thaiqd1-tech/chatsync/internal/threadapi"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAgent SenderType = "agent"
)

// Message is one entry in the visible transcript. Until confirmed it carries
// only OptimisticID and Pending=true; confirmation fills ID and clears
// Pending in place, never by re-appending.
type Message struct {
	ID           string          `json:"id,omitempty"`
	OptimisticID string          `json:"optimistic_id,omitempty"`
	ThreadID     string          `json:"thread_id"`
	Sender       SenderType      `json:"sender_type"`
	Content      string          `json:"content"`
	CreatedAtMs  int64           `json:"created_at_unix_ms"`
	Artifact     json.RawMessage `json:"artifact,omitempty"`
	Pending      bool            `json:"pending,omitempty"`
}

func messageFromAPI(m threadapi.Message) Message {
	return Message{
		ID:          strings.TrimSpace(m.ID),
		ThreadID:    strings.TrimSpace(m.ThreadID),
		Sender:      SenderType(strings.TrimSpace(m.SenderType)),
		Content:     m.Content,
		CreatedAtMs: m.CreatedAtUnixMs,
		Artifact:    m.Artifact,
	}
}

// ThreadAPI is the HTTP collaborator contract the engine depends on.
// *threadapi.Client satisfies it; tests substitute fakes.
type ThreadAPI interface {
	ThreadExists(ctx context.Context, agentID, workspaceID string) (threadapi.ExistsResult, error)
	CreateThread(ctx context.Context, in threadapi.CreateThreadInput) (*threadapi.Thread, error)
	ListThreadsByAgent(ctx context.Context, agentID string) ([]threadapi.Thread, error)
	GetThreadMessages(ctx context.Context, threadID string) ([]threadapi.Message, error)
	RenameThread(ctx context.Context, threadID, title string) error
	DeleteThread(ctx context.Context, threadID string) error
}
