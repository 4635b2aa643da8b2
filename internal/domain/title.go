package domain

// DefaultTitle is used for sessions without any user message.
const DefaultTitle = "New Chat"

const (
	titleMaxRunes = 30
	titleEllipsis = "..."
)

// DeriveTitle computes the display title of a conversation from its first
// user message. Content longer than 30 characters is cut and suffixed with "...".
func DeriveTitle(msgs []Message) string {
	for _, m := range msgs {
		if m.Sender != SenderUser {
			continue
		}
		runes := []rune(m.Content.String())
		if len(runes) <= titleMaxRunes {
			return string(runes)
		}
		return string(runes[:titleMaxRunes]) + titleEllipsis
	}
	return DefaultTitle
}
