package conversation

import (
	"strings"
	"testing"

	"groundchat/pkg/domain"
)

func TestBuildPromptWithoutHistory(t *testing.T) {
	sys, user := BuildPrompt("", nil, "CTX", "  Why?  ")
	if sys != DefaultSystemPrompt {
		t.Fatalf("expected default system prompt, got %q", sys)
	}
	if user != "Context:\nCTX\n\nQuestion: Why?\nAnswer:" {
		t.Fatalf("unexpected user prompt %q", user)
	}
}

func TestBuildPromptKeepsHistoryOrder(t *testing.T) {
	history := []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello\n"},
	}
	sys, user := BuildPrompt("Be brief.", history, "CTX", "next")
	if sys != "Be brief." {
		t.Fatalf("unexpected system prompt %q", sys)
	}
	if !strings.HasPrefix(user, "Conversation so far:\nuser: hi\nassistant: hello\n\nContext:\n") {
		t.Fatalf("unexpected user prompt %q", user)
	}
}

func TestChatTitle(t *testing.T) {
	cases := map[string]string{
		"what is the refund window?":          "What is the refund window",
		"Can you tell me   about shipping?":   "About shipping",
		"PLEASE summarize chapter 2":         "Summarize chapter 2",
		"I want to \u212Anow the refund rule": "I want to \u212Anow the refund rule",
		"   ":                                  defaultChatTitle,
		"???":                                  defaultChatTitle,
		strings.Repeat("long words ", 10) + "?": "Long words long words long words long words long…",
	}
	for in, want := range cases {
		if got := chatTitle(in); got != want {
			t.Fatalf("chatTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, st := range []State{StateIdle, StateAwaitingContext, StateGenerating} {
		if st.Terminal() {
			t.Fatalf("%s should not be terminal", st)
		}
	}
	if !StateCompleted.Terminal() || !StateFailed.Terminal() {
		t.Fatal("completed and failed must be terminal")
	}
}
