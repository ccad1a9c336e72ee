package domain

// Message roles in the display transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single transcript entry.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}
