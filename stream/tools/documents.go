package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nvoss/chatstream/store"
	"github.com/nvoss/chatstream/stream"
)

// ErrNotOwner is returned when a document tool targets a document the acting
// subject does not own.
var ErrNotOwner = errors.New("tools: document not owned by subject")

// DocumentStore is the persistence surface for the document tools.
type DocumentStore interface {
	CreateDocument(d *store.Document) error
	DocumentByID(id string) (*store.Document, error)
	UpdateDocumentContent(id, content string) error
	CreateSuggestions(sugs []store.Suggestion) error
}

func requireOwned(ctx context.Context, db DocumentStore, documentID string) (*store.Document, error) {
	doc, err := db.DocumentByID(documentID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != stream.SubjectFromContext(ctx) {
		return nil, ErrNotOwner
	}
	return doc, nil
}

/*
====================================
CREATE DOCUMENT
====================================
*/

// CreateDocument writes a new artifact owned by the acting subject.
type CreateDocument struct {
	db DocumentStore
}

func NewCreateDocument(db DocumentStore) *CreateDocument {
	return &CreateDocument{db: db}
}

func (t *CreateDocument) Name() string { return "createDocument" }

func (t *CreateDocument) Description() string {
	return "Create a document artifact (text, code or sheet) the user can view and edit"
}

func (t *CreateDocument) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"kind": {"type": "string", "enum": ["text", "code", "sheet"]},
			"content": {"type": "string"}
		},
		"required": ["title", "kind"]
	}`)
}

func (t *CreateDocument) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Title   string `json:"title"`
		Kind    string `json:"kind"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("createDocument args: %w", err)
	}
	if in.Title == "" || in.Kind == "" {
		return nil, errors.New("createDocument: title and kind are required")
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	doc := &store.Document{
		ID:      id.String(),
		UserID:  stream.SubjectFromContext(ctx),
		Title:   in.Title,
		Kind:    in.Kind,
		Content: in.Content,
	}
	if err := t.db.CreateDocument(doc); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"id":    doc.ID,
		"title": doc.Title,
		"kind":  doc.Kind,
	})
}

/*
====================================
UPDATE DOCUMENT
====================================
*/

// UpdateDocument replaces the content of a subject-owned document.
type UpdateDocument struct {
	db DocumentStore
}

func NewUpdateDocument(db DocumentStore) *UpdateDocument {
	return &UpdateDocument{db: db}
}

func (t *UpdateDocument) Name() string { return "updateDocument" }

func (t *UpdateDocument) Description() string {
	return "Replace the content of an existing document"
}

func (t *UpdateDocument) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"content": {"type": "string"},
			"description": {"type": "string"}
		},
		"required": ["id", "content"]
	}`)
}

func (t *UpdateDocument) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("updateDocument args: %w", err)
	}

	doc, err := requireOwned(ctx, t.db, in.ID)
	if err != nil {
		return nil, err
	}
	if err := t.db.UpdateDocumentContent(doc.ID, in.Content); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"id":    doc.ID,
		"title": doc.Title,
	})
}

/*
====================================
REQUEST SUGGESTIONS
====================================
*/

// RequestSuggestions persists model-proposed edits against a subject-owned
// document.
type RequestSuggestions struct {
	db DocumentStore
}

func NewRequestSuggestions(db DocumentStore) *RequestSuggestions {
	return &RequestSuggestions{db: db}
}

func (t *RequestSuggestions) Name() string { return "requestSuggestions" }

func (t *RequestSuggestions) Description() string {
	return "Record suggested edits for a document"
}

func (t *RequestSuggestions) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"documentId": {"type": "string"},
			"suggestions": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"originalText": {"type": "string"},
						"suggestedText": {"type": "string"},
						"description": {"type": "string"}
					},
					"required": ["originalText", "suggestedText"]
				}
			}
		},
		"required": ["documentId", "suggestions"]
	}`)
}

func (t *RequestSuggestions) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		DocumentID  string `json:"documentId"`
		Suggestions []struct {
			OriginalText  string `json:"originalText"`
			SuggestedText string `json:"suggestedText"`
			Description   string `json:"description"`
		} `json:"suggestions"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("requestSuggestions args: %w", err)
	}

	doc, err := requireOwned(ctx, t.db, in.DocumentID)
	if err != nil {
		return nil, err
	}

	rows := make([]store.Suggestion, 0, len(in.Suggestions))
	ids := make([]string, 0, len(in.Suggestions))
	for _, s := range in.Suggestions {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
		rows = append(rows, store.Suggestion{
			ID:            id.String(),
			DocumentID:    doc.ID,
			OriginalText:  s.OriginalText,
			SuggestedText: s.SuggestedText,
			Description:   s.Description,
		})
	}
	if err := t.db.CreateSuggestions(rows); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"documentId":    doc.ID,
		"suggestionIds": ids,
	})
}
