package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

/*
====================================
USERS
====================================
*/

// UserByEmail returns the account registered under the email.
func (s *Store) UserByEmail(email string) (*User, error) {
	var u User
	if err := s.db.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// UserByID returns the account for the subject id.
func (s *Store) UserByID(id string) (*User, error) {
	var u User
	if err := s.db.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// CreateUser inserts a new account.
func (s *Store) CreateUser(u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return s.db.Create(u).Error
}

// CreateGuest mints a throwaway guest account.
func (s *Store) CreateGuest() (*User, error) {
	id := uuid.NewString()
	u := &User{
		ID:    id,
		Email: fmt.Sprintf("guest-%s@guest.local", id),
		Class: "guest",
	}
	if err := s.db.Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

// UpdatePasswordHash replaces the stored password hash for a subject.
func (s *Store) UpdatePasswordHash(id, hash string) error {
	res := s.db.Model(&User{}).Where("id = ?", id).Update("password_hash", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSystemPrompt sets the subject's custom system prompt.
func (s *Store) UpdateSystemPrompt(id, prompt string) error {
	return s.db.Model(&User{}).Where("id = ?", id).Update("system_prompt", prompt).Error
}

/*
====================================
USAGE
====================================
*/

// MessageCountSince counts user-role messages the subject sent after the
// cutoff. This is the rolling usage figure the entitlement gate compares
// against the daily quota. Read-only here; message persistence writes it.
func (s *Store) MessageCountSince(userID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&Message{}).
		Joins("JOIN chats ON chats.id = messages.chat_id").
		Where("chats.user_id = ? AND messages.role = ? AND messages.created_at > ?", userID, "user", since).
		Count(&count).Error
	return count, err
}

/*
====================================
CHATS & MESSAGES
====================================
*/

// ChatByID returns the chat, or ErrNotFound.
func (s *Store) ChatByID(id string) (*Chat, error) {
	var c Chat
	if err := s.db.Where("id = ?", id).First(&c).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &c, nil
}

// SaveChat inserts a chat row.
func (s *Store) SaveChat(c *Chat) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return s.db.Create(c).Error
}

// DeleteChat removes a chat with its messages and stream handles, returning
// the deleted row.
func (s *Store) DeleteChat(id string) (*Chat, error) {
	chat, err := s.ChatByID(id)
	if err != nil {
		return nil, err
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&Stream{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Chat{}, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// SaveMessages appends transcript entries in one transaction.
func (s *Store) SaveMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
	return s.db.Create(&msgs).Error
}

// MessagesByChatID returns the chat transcript in insertion order.
func (s *Store) MessagesByChatID(chatID string) ([]Message, error) {
	var msgs []Message
	err := s.db.Where("chat_id = ?", chatID).Order("created_at ASC").Find(&msgs).Error
	return msgs, err
}

/*
====================================
MODELS & GROUPS
====================================
*/

// ModelByID returns a configured model, or ErrNotFound.
func (s *Store) ModelByID(id string) (*ChatModel, error) {
	var m ChatModel
	if err := s.db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

// Models returns every enabled model.
func (s *Store) Models() ([]ChatModel, error) {
	var models []ChatModel
	err := s.db.Where("enabled = ?", true).Order("id ASC").Find(&models).Error
	return models, err
}

// ModelIDs returns the set of enabled model ids, used for request schema
// validation.
func (s *Store) ModelIDs() ([]string, error) {
	models, err := s.Models()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// GroupByClass returns the entitlement configuration for an account class,
// or ErrNotFound when the class has no group row.
func (s *Store) GroupByClass(class string) (*Group, error) {
	var g Group
	if err := s.db.Where("class = ?", class).First(&g).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &g, nil
}

// AllowedModelIDs decodes the group's JSON model id array.
func (g *Group) AllowedModelIDs() ([]string, error) {
	if g.ModelIDs == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(g.ModelIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetAllowedModelIDs encodes the model id array into the group row.
func (g *Group) SetAllowedModelIDs(ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	g.ModelIDs = string(raw)
	return nil
}

/*
====================================
STREAMS
====================================
*/

// CreateStream records a stream handle for the chat. Must be called before
// the first event of the stream is emitted.
func (s *Store) CreateStream(streamID, chatID string) error {
	return s.db.Create(&Stream{ID: streamID, ChatID: chatID, CreatedAt: time.Now()}).Error
}

// LatestStreamID returns the most recent stream handle for a chat, or
// ErrNotFound when the chat has never streamed.
func (s *Store) LatestStreamID(chatID string) (string, error) {
	var st Stream
	if err := s.db.Where("chat_id = ?", chatID).Order("created_at DESC").First(&st).Error; err != nil {
		return "", wrapNotFound(err)
	}
	return st.ID, nil
}

/*
====================================
DOCUMENTS
====================================
*/

// CreateDocument stores a new tool-produced document.
func (s *Store) CreateDocument(d *Document) error {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	return s.db.Create(d).Error
}

// DocumentByID returns a document by id, or ErrNotFound.
func (s *Store) DocumentByID(id string) (*Document, error) {
	var d Document
	if err := s.db.First(&d, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &d, nil
}

// UpdateDocumentContent replaces a document's content.
func (s *Store) UpdateDocumentContent(id, content string) error {
	res := s.db.Model(&Document{}).Where("id = ?", id).
		Updates(map[string]any{"content": content, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSuggestions stores a batch of document suggestions.
func (s *Store) CreateSuggestions(sugs []Suggestion) error {
	if len(sugs) == 0 {
		return nil
	}
	now := time.Now()
	for i := range sugs {
		sugs[i].CreatedAt = now
	}
	return s.db.Create(&sugs).Error
}

// SuggestionsByDocumentID lists the unresolved suggestions for a document.
func (s *Store) SuggestionsByDocumentID(docID string) ([]Suggestion, error) {
	var out []Suggestion
	err := s.db.Where("document_id = ? AND is_resolved = ?", docID, false).
		Order("created_at ASC").Find(&out).Error
	return out, err
}
