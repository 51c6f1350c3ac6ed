package llm

import "strings"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a prompt.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	Content string
}

// UserMessage returns a single user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Text returns the trimmed reply text of resp. A nil response yields "".
func Text(resp *CompletionResponse) string {
	if resp == nil {
		return ""
	}
	return strings.TrimSpace(resp.Content)
}
