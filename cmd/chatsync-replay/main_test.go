package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func Test_runReplay_confirmedSendPasses(t *testing.T) {
	path := writeScript(t, `
thread_id: th_1
events:
  - type: send
    optimistic_id: opt_a
    content: Hello
  - type: subflow_log
    log_type: execute
    content: querying
  - type: chat
    sender_type: user
    optimistic_id: opt_a
    id: m_1
    content: Hello
  - type: chat
    sender_type: agent
    id: m_2
    content: Hi there
  - type: done
`)
	report, err := runReplay(path)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != "pass" {
		t.Fatalf("status = %q, reasons = %v", report.Status, report.Reasons)
	}
	if report.Messages != 2 || report.Pending != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.Replaced != 1 || report.Appended != 1 {
		t.Fatalf("report = %+v, want one replace and one append", report)
	}
	if report.TraceActive {
		t.Fatal("trace must be cleared by done")
	}
}

func Test_runReplay_unconfirmedSendFails(t *testing.T) {
	path := writeScript(t, `
thread_id: th_1
events:
  - type: send
    optimistic_id: opt_a
    content: Hello
  - type: done
`)
	report, err := runReplay(path)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != "fail" || report.Pending != 1 {
		t.Fatalf("report = %+v, want fail with one pending", report)
	}
	if !containsReason(report.Reasons, "unconfirmed_optimistic_messages") {
		t.Fatalf("reasons = %v", report.Reasons)
	}
}

func Test_runReplay_agentFrameWithoutIDFails(t *testing.T) {
	path := writeScript(t, `
thread_id: th_1
events:
  - type: chat
    sender_type: agent
    content: orphan reply
  - type: done
`)
	report, err := runReplay(path)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != "fail" || report.Dropped != 1 {
		t.Fatalf("report = %+v, want fail with one dropped frame", report)
	}
	if !containsReason(report.Reasons, "dropped_frames") {
		t.Fatalf("reasons = %v", report.Reasons)
	}
}

func Test_runReplay_danglingTraceFails(t *testing.T) {
	path := writeScript(t, `
thread_id: th_1
events:
  - type: subflow_log
    log_type: execute
    content: still going
`)
	report, err := runReplay(path)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != "fail" || !report.TraceActive {
		t.Fatalf("report = %+v, want fail with live trace", report)
	}
	if !containsReason(report.Reasons, "trace_scope_never_cleared") {
		t.Fatalf("reasons = %v", report.Reasons)
	}
}

func Test_runReplay_duplicateConfirmationCounted(t *testing.T) {
	path := writeScript(t, `
thread_id: th_1
events:
  - type: send
    optimistic_id: opt_a
    content: Hello
  - type: chat
    sender_type: user
    optimistic_id: opt_a
    id: m_1
    content: Hello
  - type: chat
    sender_type: user
    optimistic_id: opt_a
    id: m_1
    content: Hello
`)
	report, err := runReplay(path)
	if err != nil {
		t.Fatal(err)
	}
	if report.Messages != 1 || report.Duplicates != 1 {
		t.Fatalf("report = %+v, want one message and one duplicate", report)
	}
	if report.Status != "pass" {
		t.Fatalf("status = %q", report.Status)
	}
}

func Test_runReplay_scriptValidation(t *testing.T) {
	if _, err := runReplay(writeScript(t, "events:\n  - type: done\n")); err == nil {
		t.Fatal("missing thread_id must be rejected")
	}
	if _, err := runReplay(writeScript(t, "thread_id: th_1\nevents:\n  - type: warp\n")); err == nil {
		t.Fatal("unknown event type must be rejected")
	}
	if _, err := runReplay(writeScript(t, "thread_id: th_1\nevents:\n  - type: send\n    content: no id\n")); err == nil {
		t.Fatal("send without optimistic_id must be rejected")
	}

	report, err := runReplay(writeScript(t, "thread_id: th_1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != "fail" || !containsReason(report.Reasons, "empty_events") {
		t.Fatalf("report = %+v", report)
	}

	if _, err := runReplay(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing script file must error")
	}
}

func containsReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
