package threadapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okEnvelope(data any) []byte {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(map[string]any{"success": true, "data": json.RawMessage(raw)})
	return b
}

func errEnvelope(code, msg string) []byte {
	b, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": msg},
	})
	return b
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok_1")
}

func Test_Client_threadExists(t *testing.T) {
	var gotAuth, gotReqID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-Id")
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/threads/exists" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("agent_id") != "ag_1" || r.URL.Query().Get("workspace_id") != "ws_1" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Write(okEnvelope(ExistsResult{Exists: true, ThreadID: " th_1 "}))
	})

	res, err := c.ThreadExists(context.Background(), "ag_1", "ws_1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exists || res.ThreadID != "th_1" {
		t.Fatalf("result = %+v", res)
	}
	if gotAuth != "Bearer tok_1" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReqID == "" {
		t.Fatal("missing X-Request-Id")
	}
}

func Test_Client_createThread(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/threads" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var in CreateThreadInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("bad body: %v", err)
		}
		if in.AgentID != "ag_1" || in.WorkspaceID != "ws_1" || in.Title != "New conversation" {
			t.Errorf("input = %+v", in)
		}
		w.Write(okEnvelope(Thread{ID: "th_1", AgentID: in.AgentID, WorkspaceID: in.WorkspaceID, Title: in.Title}))
	})

	th, err := c.CreateThread(context.Background(), CreateThreadInput{
		WorkspaceID: "ws_1", AgentID: "ag_1", Title: "New conversation",
	})
	if err != nil {
		t.Fatal(err)
	}
	if th.ID != "th_1" {
		t.Fatalf("thread = %+v", th)
	}
}

func Test_Client_createThreadRejectsMissingID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(okEnvelope(Thread{}))
	})
	if _, err := c.CreateThread(context.Background(), CreateThreadInput{WorkspaceID: "ws_1", AgentID: "ag_1"}); err == nil {
		t.Fatal("response without id must be rejected")
	}
}

func Test_Client_listAndMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents/ag_1/threads":
			w.Write(okEnvelope([]Thread{{ID: "th_2"}, {ID: "th_1"}}))
		case "/api/v1/threads/th_1/messages":
			w.Write(okEnvelope([]Message{
				{ID: "m_1", ThreadID: "th_1", SenderType: "user", Content: "hi"},
				{ID: "m_2", ThreadID: "th_1", SenderType: "agent", Content: "hello"},
			}))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	threads, err := c.ListThreadsByAgent(context.Background(), "ag_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 || threads[0].ID != "th_2" {
		t.Fatalf("threads = %+v", threads)
	}

	msgs, err := c.GetThreadMessages(context.Background(), "th_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].SenderType != "agent" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func Test_Client_deleteThread(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Write(okEnvelope(nil))
	})
	if err := c.DeleteThread(context.Background(), "th_1"); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/v1/threads/th_1" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}

func Test_Client_renameThread(t *testing.T) {
	var gotMethod, gotPath, gotTitle string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		var in struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("bad body: %v", err)
		}
		gotTitle = in.Title
		w.Write(okEnvelope(nil))
	})
	if err := c.RenameThread(context.Background(), "th_1", " Trade ideas "); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/api/v1/threads/th_1" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotTitle != "Trade ideas" {
		t.Fatalf("title = %q", gotTitle)
	}

	if err := c.RenameThread(context.Background(), "th_1", "  "); err == nil {
		t.Fatal("empty title must be rejected")
	}
}

func Test_Client_surfacesEnvelopeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write(errEnvelope("workspace_denied", "not a member of this workspace"))
	})
	_, err := c.ThreadExists(context.Background(), "ag_1", "ws_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "not a member of this workspace") ||
		!strings.Contains(err.Error(), "workspace_denied") {
		t.Fatalf("err = %v, want backend message and code", err)
	}
}

func Test_Client_nonEnvelopeFailureIncludesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	})
	_, err := c.GetThreadMessages(context.Background(), "th_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status=502") {
		t.Fatalf("err = %v, want status in message", err)
	}
}

func Test_Client_inputValidation(t *testing.T) {
	c := New("https://api.example.invalid", "tok")
	if _, err := c.ThreadExists(context.Background(), "", "ws_1"); err == nil {
		t.Fatal("missing agent_id must be rejected before any request")
	}
	if _, err := c.GetThreadMessages(context.Background(), "  "); err == nil {
		t.Fatal("missing thread_id must be rejected")
	}
	if err := c.DeleteThread(context.Background(), ""); err == nil {
		t.Fatal("missing thread_id must be rejected")
	}
}
