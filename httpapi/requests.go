package httpapi

import "strings"

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=128"`
}

// messagePart mirrors the client message schema: text parts carry bounded
// text, file parts carry an image URL.
type messagePart struct {
	Type      string `json:"type" validate:"required,oneof=text file"`
	Text      string `json:"text" validate:"omitempty,min=1,max=2000"`
	URL       string `json:"url" validate:"omitempty,url"`
	MediaType string `json:"mediaType" validate:"omitempty,oneof=image/jpeg image/png"`
}

type chatMessage struct {
	ID    string        `json:"id" validate:"required,uuid4"`
	Role  string        `json:"role" validate:"required,eq=user"`
	Parts []messagePart `json:"parts" validate:"required,min=1,max=20,dive"`
}

type chatRequest struct {
	ID         string      `json:"id" validate:"required,uuid4"`
	Message    chatMessage `json:"message" validate:"required"`
	ModelID    string      `json:"selectedChatModel" validate:"required,max=64"`
	Visibility string      `json:"selectedVisibilityType" validate:"required,oneof=public private"`
}

// text concatenates the message's text parts.
func (m chatMessage) text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

const titleMaxLen = 80

// titleFromMessage derives a chat title from the first user message.
func titleFromMessage(m chatMessage) string {
	t := strings.TrimSpace(m.text())
	if t == "" {
		return "New chat"
	}
	runes := []rune(t)
	if len(runes) > titleMaxLen {
		return string(runes[:titleMaxLen])
	}
	return t
}
