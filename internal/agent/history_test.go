package agent

import "testing"

func TestTranscriptFormat(t *testing.T) {
	h := newHistory("sys", "send 1 SOL")
	h.append(RoleAssistant, `{"step":"think","content":"x"}`)
	want := "[system] sys\n[user] send 1 SOL\n[assistant] {\"step\":\"think\",\"content\":\"x\"}"
	if got := h.transcript(); got != want {
		t.Fatalf("unexpected transcript:\n%s", got)
	}
}

func TestSystemPromptNativeOnly(t *testing.T) {
	if SystemPrompt(false) == SystemPrompt(true) {
		t.Fatalf("native-only prompt must add the restriction")
	}
}
