package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ChainPilot/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Path   string
		APIKey string
		Body   struct {
			Contents []content `json:"contents"`
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.APIKey = r.Header.Get("X-goog-api-key")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "```json\n{\"step\":\"think\",\"content\":\"x\"}\n```"}}}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "key", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Generate(context.Background(), llm.Request{Transcript: "[system] hi\n[user] balance"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp.Text, `"step":"think"`) {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if captured.Path != "/models/"+defaultModelName+":generateContent" {
		t.Fatalf("unexpected path %s", captured.Path)
	}
	if captured.APIKey != "key" {
		t.Fatalf("api key header missing")
	}
	if len(captured.Body.Contents) != 1 || captured.Body.Contents[0].Parts[0].Text != "[system] hi\n[user] balance" {
		t.Fatalf("transcript not forwarded: %+v", captured.Body)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Generate(context.Background(), llm.Request{Transcript: "x"}); err == nil {
		t.Fatalf("expected error for http failure")
	}
}

func TestGenerateEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "key", BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Transcript: "x"}); err == nil {
		t.Fatalf("expected error for empty candidates")
	}
}
