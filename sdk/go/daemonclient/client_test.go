package daemonclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInteractSendsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/interact" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if body["message"] != "hello there" {
			t.Fatalf("unexpected message: %q", body["message"])
		}
		_ = json.NewEncoder(w).Encode(InteractReply{
			Status:  "received",
			TaskID:  "task-1",
			Message: "I'm processing your message autonomously!",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	reply, err := client.Interact(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("interact: %v", err)
	}
	if reply.TaskID != "task-1" || reply.Status != "received" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestAuthTokenIsSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"thoughts": []Thought{}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithAuthToken("secret"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Thoughts(context.Background(), 5); err != nil {
		t.Fatalf("thoughts: %v", err)
	}
}

func TestWaitForTaskPollsUntilTerminal(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-9" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		polls++
		status := "running"
		if polls >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-9", Status: status})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	found, err := client.WaitForTask(context.Background(), "task-9", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if found.Status != "succeeded" {
		t.Fatalf("expected terminal status, got %q", found.Status)
	}
	if polls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestAPIErrorIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "task not found",
			"code":  "TASK_NOT_FOUND",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Task(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestMiningStatsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "running"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, present, err := client.MiningStats(context.Background())
	if err != nil {
		t.Fatalf("mining stats: %v", err)
	}
	if present {
		t.Fatal("expected mining stats to be absent")
	}
}
