package notify

import (
	"context"
	"strings"
	"testing"
)

func TestNew_NoTokenReturnsLogNotifier(t *testing.T) {
	n := New("", "", nil)
	if _, ok := n.(*LogNotifier); !ok {
		t.Fatalf("expected LogNotifier, got %T", n)
	}
}

func TestNew_WithTokenReturnsSlackNotifier(t *testing.T) {
	n := New("xoxb-test", "#escalations", nil)
	if _, ok := n.(*SlackNotifier); !ok {
		t.Fatalf("expected SlackNotifier, got %T", n)
	}
}

func TestLogNotifier_NeverErrors(t *testing.T) {
	n := &LogNotifier{}
	if err := n.Notify(context.Background(), Message{Reason: "CI failed 3 times", SessionID: "s1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestMessage_TextIncludesPRNumber(t *testing.T) {
	m := Message{Reason: "escalated", SessionID: "s1", Branch: "feat/a", PRNumber: 7}
	text := m.text()
	if text == "" {
		t.Fatal("expected non-empty text")
	}
	if !strings.Contains(text, "pr=#7") {
		t.Errorf("text = %q, want it to contain pr=#7", text)
	}
}
