package stream

import (
	"context"
	"encoding/json"
)

// Tool is a callable the model may invoke mid-generation. Implementations
// must be safe for concurrent use; the acting subject is carried on the
// context via WithSubject.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

type subjectKey struct{}

// WithSubject attaches the acting subject id to the context for tools that
// persist user-owned data.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subjectID)
}

// SubjectFromContext returns the acting subject id, or "" when absent.
func SubjectFromContext(ctx context.Context) string {
	id, _ := ctx.Value(subjectKey{}).(string)
	return id
}
