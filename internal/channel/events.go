package channel

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// EventType discriminates inbound channel frames. Unknown types are dropped
// by the read pump (logged, not dispatched).
type EventType string

const (
	EventChat          EventType = "chat"
	EventDone          EventType = "done"
	EventStatus        EventType = "status"
	EventCreditUpdate  EventType = "credit_update"
	EventSubflowLog    EventType = "subflow_log"
	EventSubflowResult EventType = "subflow_result"
)

// Event is one decoded inbound frame. Exactly one payload pointer is non-nil
// for the types that carry one; Raw always holds the original frame bytes so
// callers can recover fields the typed decode does not model.
type Event struct {
	Type     EventType
	AtUnixMs int64

	Chat    *ChatPayload
	Status  *StatusPayload
	Credit  *CreditPayload
	Subflow *SubflowPayload

	Raw json.RawMessage
}

// ChatPayload is the message body of a "chat" frame.
//
// OptimisticID is echoed back from the client's send and correlates the frame
// with a locally rendered message. ID is the durable server id; agent messages
// without one cannot be deduplicated later and are dropped upstream.
type ChatPayload struct {
	ID           string          `json:"id,omitempty"`
	OptimisticID string          `json:"optimistic_id,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	SenderType   string          `json:"sender_type"`
	Content      string          `json:"content"`
	CreatedAtMs  int64           `json:"created_at_unix_ms,omitempty"`
	Attachments  []Attachment    `json:"attachments,omitempty"`
	Artifact     json.RawMessage `json:"artifact,omitempty"`
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
}

// StatusPayload normalizes the free-form "status" frame. The wire value may be
// a bare string or a JSON object with a "status" key; Value carries whichever
// string was found.
type StatusPayload struct {
	Value string
}

// Processing reports whether the status indicates the agent is working on a
// reply ("thinking" UI state).
func (p *StatusPayload) Processing() bool {
	if p == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(p.Value), "processing")
}

type CreditPayload struct {
	Balance float64 `json:"balance"`
}

// SubflowPayload is an execution-trace frame (subflow_log / subflow_result).
// LogType distinguishes "execute" status lines from "result" summaries.
type SubflowPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id,omitempty"`
	LogType   string `json:"log_type"`
	Content   string `json:"content"`
	AtUnixMs  int64  `json:"at_unix_ms,omitempty"`
}

var errUnknownEventType = errors.New("unknown event type")

// DecodeEvent parses one raw inbound frame into a typed Event.
func DecodeEvent(raw []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Event{}, err
	}

	ev := Event{
		Type:     EventType(strings.TrimSpace(head.Type)),
		AtUnixMs: time.Now().UnixMilli(),
		Raw:      json.RawMessage(append([]byte(nil), raw...)),
	}

	switch ev.Type {
	case EventChat:
		var p ChatPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Event{}, err
		}
		ev.Chat = &p
	case EventDone:
		// No payload beyond the discriminator.
	case EventStatus:
		ev.Status = &StatusPayload{Value: statusValue(raw)}
	case EventCreditUpdate:
		var p CreditPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Event{}, err
		}
		ev.Credit = &p
	case EventSubflowLog, EventSubflowResult:
		var p SubflowPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Event{}, err
		}
		if strings.TrimSpace(p.LogType) == "" {
			if ev.Type == EventSubflowResult {
				p.LogType = "result"
			} else {
				p.LogType = "execute"
			}
		}
		ev.Subflow = &p
	default:
		return Event{}, errUnknownEventType
	}
	return ev, nil
}

// statusValue extracts the status string from a frame whose "status" field is
// either a plain string or a nested JSON object ({"status": {"status": "..."}}
// has been observed from older backends).
func statusValue(raw []byte) string {
	v := gjson.GetBytes(raw, "status")
	switch v.Type {
	case gjson.String:
		return v.String()
	case gjson.JSON:
		if inner := v.Get("status"); inner.Exists() {
			return inner.String()
		}
		if inner := v.Get("state"); inner.Exists() {
			return inner.String()
		}
		return strings.TrimSpace(v.Raw)
	default:
		return strings.TrimSpace(v.String())
	}
}
