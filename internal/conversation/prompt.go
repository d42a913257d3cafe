package conversation

import (
	"fmt"
	"strings"
	"unicode"

	"groundchat/pkg/domain"
)

// DefaultSystemPrompt instructs the model to stay within retrieved context.
const DefaultSystemPrompt = `You are a helpful assistant that answers questions using only the document excerpts provided in the context.
Each excerpt starts with "SOURCE:" followed by the document it came from; mention the source when you rely on it.
If the context does not contain the answer, say that you could not find it in the documents instead of guessing.`

const defaultChatTitle = "New chat"

// BuildPrompt assembles the system prompt and the user prompt from the
// history window, the retrieved context block and the current question.
func BuildPrompt(systemPrompt string, history []domain.Message, contextBlock, question string) (string, string) {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
		}
		b.WriteString("\n")
	}
	b.WriteString("Context:\n")
	b.WriteString(contextBlock)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\nAnswer:")
	return systemPrompt, b.String()
}

// chatTitle derives a short title from the first question of a chat.
func chatTitle(question string) string {
	text := strings.Join(strings.Fields(question), " ")
	for _, prefix := range []string{"can you tell me ", "could you tell me ", "can you ", "could you ", "please ", "i want to know ", "tell me "} {
		if len(text) >= len(prefix) && strings.EqualFold(text[:len(prefix)], prefix) {
			text = text[len(prefix):]
			break
		}
	}
	text = strings.TrimSpace(strings.TrimRight(text, "?!. "))
	if text == "" {
		return defaultChatTitle
	}
	runes := []rune(text)
	runes[0] = unicode.ToUpper(runes[0])
	if len(runes) > 48 {
		return string(runes[:48]) + "…"
	}
	return string(runes)
}
