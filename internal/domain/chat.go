package domain

// Chat roles understood by every generative backend.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ChatMessage is the provider-agnostic prompt message passed to a
// generative backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
