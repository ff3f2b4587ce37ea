package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "ChainPilot/internal/errors"
)

func TestHTTPWebhookSenderPostsAlert(t *testing.T) {
	var got struct {
		Text string `json:"text"`
	}
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender, err := NewHTTPWebhookSender(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	d := NewFanout(&WebhookNotifier{Sender: sender})
	event := FromError(xerrors.New(xerrors.CodeLoopExhausted, "推理轮次耗尽"), "req-9", "alice", 7)
	if err := d.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if contentType != "application/json" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	for _, want := range []string{"LOOP_EXHAUSTED", "req-9", "alice"} {
		if !strings.Contains(got.Text, want) {
			t.Fatalf("payload missing %s: %q", want, got.Text)
		}
	}
}

func TestHTTPWebhookSenderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sender, err := NewHTTPWebhookSender(srv.URL, nil)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	err = sender.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewHTTPWebhookSenderRequiresURL(t *testing.T) {
	if _, err := NewHTTPWebhookSender("  ", nil); err == nil {
		t.Fatalf("expected error for blank url")
	}
}
