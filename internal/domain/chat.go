package domain

// Chat message roles understood by the model integration.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one role-tagged segment of the assembled prompt context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
