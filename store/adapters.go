package store

import (
	"encoding/json"
	"errors"

	"github.com/nvoss/chatstream"
	"github.com/nvoss/chatstream/entitlement"
	"github.com/nvoss/chatstream/stream"
)

/*
====================================
ENGINE ADAPTERS
====================================
*/

// Accounts adapts the users table to the engine's account lookup interface.
type Accounts struct {
	s *Store
}

// Accounts returns the engine-facing view of the users table.
func (s *Store) Accounts() *Accounts {
	return &Accounts{s: s}
}

func (a *Accounts) UserByEmail(email string) (*chatstream.User, error) {
	u, err := a.s.UserByEmail(email)
	if err != nil {
		return nil, err
	}
	return engineUser(u), nil
}

func (a *Accounts) UserByID(id string) (*chatstream.User, error) {
	u, err := a.s.UserByID(id)
	if err != nil {
		return nil, err
	}
	return engineUser(u), nil
}

func (a *Accounts) CreateGuest() (*chatstream.User, error) {
	u, err := a.s.CreateGuest()
	if err != nil {
		return nil, err
	}
	return engineUser(u), nil
}

func (a *Accounts) UpdatePasswordHash(id, hash string) error {
	return a.s.UpdatePasswordHash(id, hash)
}

func engineUser(u *User) *chatstream.User {
	return &chatstream.User{
		ID:           u.ID,
		Email:        u.Email,
		Nick:         u.Nick,
		Class:        chatstream.AccountClass(u.Class),
		PasswordHash: u.PasswordHash,
		SystemPrompt: u.SystemPrompt,
	}
}

// GroupForClass adapts the groups table to the entitlement gate. A missing
// row returns (nil, nil) so the gate applies its default quota.
func (s *Store) GroupForClass(class string) (*entitlement.Group, error) {
	g, err := s.GroupByClass(class)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids, err := g.AllowedModelIDs()
	if err != nil {
		return nil, err
	}
	return &entitlement.Group{
		MaxMessagesPerDay: g.MaxMessagesPerDay,
		AllowedModelIDs:   ids,
	}, nil
}

/*
====================================
ORCHESTRATOR ADAPTER
====================================
*/

// SaveAssistantMessage persists a generation transcript as one assistant
// message. Together with CreateStream this makes Store satisfy the
// orchestrator's persistence interface.
func (s *Store) SaveAssistantMessage(chatID, messageID string, parts []stream.Part) error {
	raw, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	return s.SaveMessages([]Message{{
		ID:     messageID,
		ChatID: chatID,
		Role:   "assistant",
		Parts:  string(raw),
	}})
}
