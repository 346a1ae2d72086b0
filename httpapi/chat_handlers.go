package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/nvoss/chatstream"
	"github.com/nvoss/chatstream/store"
	"github.com/nvoss/chatstream/stream"
)

// handleChat accepts one user message, persists it, starts a generation, and
// relays the event stream to the caller. Schema validation runs before any
// store or model access.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat payload"})
		return
	}

	p := s.principal(c)
	ctx := c.Request.Context()

	model, err := s.db.ModelByID(req.ModelID)
	if err != nil || !model.Enabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model"})
		return
	}
	if _, err := s.engine.AuthorizeMessage(ctx, p, req.ModelID); err != nil {
		s.writeError(c, err)
		return
	}

	chat, err := s.db.ChatByID(req.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		chat = &store.Chat{
			ID:         req.ID,
			UserID:     p.SubjectID,
			Title:      titleFromMessage(req.Message),
			Visibility: req.Visibility,
		}
		if err := s.db.SaveChat(chat); err != nil {
			s.writeError(c, err)
			return
		}
	case err != nil:
		s.writeError(c, err)
		return
	case chat.UserID != p.SubjectID:
		s.writeError(c, chatstream.ErrForbidden)
		return
	}

	rawParts, err := json.Marshal(req.Message.Parts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.db.SaveMessages([]store.Message{{
		ID:     req.Message.ID,
		ChatID: chat.ID,
		Role:   "user",
		Parts:  string(rawParts),
	}}); err != nil {
		s.writeError(c, err)
		return
	}

	history, err := s.chatHistory(chat.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	var system string
	if u, err := s.db.UserByID(p.SubjectID); err == nil {
		system = u.SystemPrompt
	}

	streamID, err := s.orch.Run(ctx, stream.RunRequest{
		ChatID:    chat.ID,
		SubjectID: p.SubjectID,
		Model:     model.ID,
		System:    system,
		History:   history,
		MaxTokens: model.MaxTokens,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.relayStream(c, streamID)
}

// handleResumeStream replays the latest stream of a chat. The owner can
// always resume; other subjects only when the chat is public.
func (s *Server) handleResumeStream(c *gin.Context) {
	chatID := c.Query("chatId")
	if err := s.validate.Var(chatID, "required,uuid4"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	p := s.principal(c)
	chat, err := s.db.ChatByID(chatID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if chat.UserID != p.SubjectID && chat.Visibility != "public" {
		s.writeError(c, chatstream.ErrForbidden)
		return
	}

	if !s.broker.Durable() {
		s.writeError(c, chatstream.ErrStreamBufferDisabled)
		return
	}

	streamID, err := s.db.LatestStreamID(chatID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	recorded, err := s.broker.Recorded(c.Request.Context(), streamID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !recorded {
		s.writeError(c, chatstream.ErrStreamNotFound)
		return
	}

	s.relayStream(c, streamID)
}

// handleDeleteChat removes a chat with its messages and stream handles, and
// returns the deleted row.
func (s *Server) handleDeleteChat(c *gin.Context) {
	id := c.Query("id")
	if err := s.validate.Var(id, "required,uuid4"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	p := s.principal(c)
	chat, err := s.db.ChatByID(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if chat.UserID != p.SubjectID {
		s.writeError(c, chatstream.ErrForbidden)
		return
	}

	deleted, err := s.db.DeleteChat(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         deleted.ID,
		"title":      deleted.Title,
		"visibility": deleted.Visibility,
	})
}

// relayStream subscribes to the stream and forwards its events as SSE until
// the terminal event or client disconnect.
func (s *Server) relayStream(c *gin.Context, streamID string) {
	ch, err := s.broker.Subscribe(c.Request.Context(), streamID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Stream-Id", streamID)
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-ch
		if !ok {
			return false
		}
		raw, err := ev.Encode()
		if err != nil {
			return false
		}
		if err := sse.Encode(w, sse.Event{Event: string(ev.Type), Data: string(raw)}); err != nil {
			return false
		}
		return true
	})
}

// chatHistory folds the stored transcript into provider messages. Text and
// reasoning parts contribute content; tool records are elided from replayed
// context.
func (s *Server) chatHistory(chatID string) ([]stream.Message, error) {
	msgs, err := s.db.MessagesByChatID(chatID)
	if err != nil {
		return nil, err
	}
	out := make([]stream.Message, 0, len(msgs))
	for _, m := range msgs {
		var parts []stream.Part
		if err := json.Unmarshal([]byte(m.Parts), &parts); err != nil {
			continue
		}
		var content string
		for _, p := range parts {
			if p.Type == "text" {
				content += p.Text
			}
		}
		if content == "" {
			continue
		}
		out = append(out, stream.Message{Role: m.Role, Content: content})
	}
	return out, nil
}
