// Package store owns the relational side of the service: accounts, chats,
// transcripts, model configuration, and stream handles. The revocation store
// lives in the session package; nothing here is consulted on the admission
// path.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver selects the SQL backend.
type Driver string

const (
	// DriverSQLite is the default backend for single-node deployments and tests.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres is the production backend.
	DriverPostgres Driver = "postgres"
)

// Config describes how to open the database.
type Config struct {
	Driver Driver
	// DSN is a postgres connection string or a sqlite file path
	// (":memory:" for tests).
	DSN string
}

// Store wraps the gorm handle and exposes the query surface the engine and
// orchestrator use.
type Store struct {
	db *gorm.DB
}

// Open connects, migrates the schema, and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&User{},
		&Chat{},
		&Message{},
		&ChatModel{},
		&Group{},
		&Stream{},
		&Document{},
		&Suggestion{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle for callers that need transactions.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

/*
====================================
MODELS
====================================
*/

// User is a stored account. Class mirrors the token account class.
type User struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex"`
	Nick         string
	Class        string `gorm:"index"`
	PasswordHash string
	SystemPrompt string
	CreatedAt    time.Time
}

// Chat is a conversation owned by a user.
type Chat struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"index"`
	Title      string
	Visibility string
	CreatedAt  time.Time
}

// Message is one transcript entry. Parts holds the JSON-encoded message
// parts exactly as they were streamed (text deltas folded, tool records
// preserved).
type Message struct {
	ID        string `gorm:"primaryKey"`
	ChatID    string `gorm:"index"`
	Role      string
	Parts     string
	CreatedAt time.Time `gorm:"index"`
}

// ChatModel is a configured generation model.
type ChatModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	MaxTokens int
	Enabled   bool
}

// Group maps an account class to its entitlement configuration. ModelIDs is a
// JSON-encoded string array.
type Group struct {
	Class             string `gorm:"primaryKey"`
	MaxMessagesPerDay int
	ModelIDs          string
}

// Stream records a stream handle. The row is written before the first event
// of the stream is emitted, so a resuming client can always find it.
type Stream struct {
	ID        string `gorm:"primaryKey"`
	ChatID    string `gorm:"index"`
	CreatedAt time.Time
}

// Document is an artifact created or edited by a tool call during
// generation. Kind is "text", "code" or "sheet".
type Document struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Title     string
	Kind      string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Suggestion is a proposed edit to a document.
type Suggestion struct {
	ID            string `gorm:"primaryKey"`
	DocumentID    string `gorm:"index"`
	OriginalText  string
	SuggestedText string
	Description   string
	IsResolved    bool
	CreatedAt     time.Time
}
