// chatsync-replay feeds a recorded channel-event script through the
// reconciliation engine's core (optimistic buffer + trace aggregator) and
// reports the resulting transcript, for debugging reconciliation issues
// without a live backend.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thaiqd1-tech/chatsync/internal/chat"
)

type scriptEvent struct {
	// Type is one of: send (local optimistic append), chat, done,
	// subflow_log, subflow_result.
	Type         string `yaml:"type"`
	SenderType   string `yaml:"sender_type,omitempty"`
	Content      string `yaml:"content,omitempty"`
	OptimisticID string `yaml:"optimistic_id,omitempty"`
	ID           string `yaml:"id,omitempty"`
	LogType      string `yaml:"log_type,omitempty"`
	MessageID    string `yaml:"message_id,omitempty"`
}

type script struct {
	ThreadID string        `yaml:"thread_id"`
	Events   []scriptEvent `yaml:"events"`
}

type replayReport struct {
	Status      string   `json:"status"`
	Reasons     []string `json:"reasons,omitempty"`
	Messages    int      `json:"messages"`
	Pending     int      `json:"pending"`
	Replaced    int      `json:"replaced"`
	Appended    int      `json:"appended"`
	Duplicates  int      `json:"duplicates"`
	Dropped     int      `json:"dropped"`
	TraceActive bool     `json:"trace_active"`
}

func main() {
	scriptPath := flag.String("script", "", "event script path (yaml)")
	expect := flag.String("expect", "", "optional expectation: pass|fail")
	flag.Parse()

	if strings.TrimSpace(*scriptPath) == "" {
		fatalf("--script is required")
	}

	report, err := runReplay(strings.TrimSpace(*scriptPath))
	if err != nil {
		fatalf("replay failed: %v", err)
	}

	b, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(b))

	expected := strings.TrimSpace(strings.ToLower(*expect))
	if expected == "" {
		if report.Status != "pass" {
			os.Exit(2)
		}
		return
	}
	if expected != "pass" && expected != "fail" {
		fatalf("invalid --expect: %s", expected)
	}
	if report.Status != expected {
		os.Exit(3)
	}
}

func runReplay(path string) (replayReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return replayReport{}, err
	}
	var s script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return replayReport{}, err
	}
	threadID := strings.TrimSpace(s.ThreadID)
	if threadID == "" {
		return replayReport{}, fmt.Errorf("script missing thread_id")
	}
	if len(s.Events) == 0 {
		return replayReport{Status: "fail", Reasons: []string{"empty_events"}}, nil
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	buffer := chat.NewBuffer(log)
	traces := chat.NewTraceAggregator()

	var report replayReport
	for i, ev := range s.Events {
		switch strings.TrimSpace(strings.ToLower(ev.Type)) {
		case "send":
			if strings.TrimSpace(ev.OptimisticID) == "" {
				return replayReport{}, fmt.Errorf("event %d: send requires optimistic_id", i)
			}
			buffer.AppendOptimistic(chat.Message{
				OptimisticID: ev.OptimisticID,
				ThreadID:     threadID,
				Sender:       chat.SenderUser,
				Content:      ev.Content,
			})
			traces.Reopen(threadID, "")
		case "chat":
			outcome := buffer.Reconcile(chat.Message{
				ID:           ev.ID,
				OptimisticID: ev.OptimisticID,
				ThreadID:     threadID,
				Sender:       chat.SenderType(strings.TrimSpace(ev.SenderType)),
				Content:      ev.Content,
			})
			switch outcome {
			case chat.ReconcileReplaced:
				report.Replaced++
			case chat.ReconcileAppended:
				report.Appended++
			case chat.ReconcileDuplicate:
				report.Duplicates++
			case chat.ReconcileDropped:
				report.Dropped++
			}
		case "done":
			traces.Clear(threadID, "")
		case "subflow_log", "subflow_result":
			kind := chat.TraceExecute
			if strings.TrimSpace(strings.ToLower(ev.LogType)) == "result" {
				kind = chat.TraceResult
			}
			traces.Observe(chat.TraceEntry{
				ThreadID:  threadID,
				MessageID: strings.TrimSpace(ev.MessageID),
				Kind:      kind,
				Content:   ev.Content,
			})
		default:
			return replayReport{}, fmt.Errorf("event %d: unknown type %q", i, ev.Type)
		}
	}

	for _, m := range buffer.Messages() {
		if m.Pending {
			report.Pending++
		}
	}
	report.Messages = buffer.Len()
	report.TraceActive = traces.Collecting(threadID, "")

	report.Status = "pass"
	if report.Pending > 0 {
		report.Status = "fail"
		report.Reasons = append(report.Reasons, "unconfirmed_optimistic_messages")
	}
	if report.Dropped > 0 {
		report.Status = "fail"
		report.Reasons = append(report.Reasons, "dropped_frames")
	}
	if report.TraceActive {
		report.Status = "fail"
		report.Reasons = append(report.Reasons, "trace_scope_never_cleared")
	}
	return report, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
