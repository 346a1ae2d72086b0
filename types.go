package chatstream

import "time"

// AccountClass partitions subjects by privilege tier. The class is embedded in
// every issued token and drives session lifetime, quota resolution, and model
// access.
type AccountClass string

const (
	// ClassGuest sessions are short-lived and stateless: they are never
	// whitelisted and cannot be revoked before expiry.
	ClassGuest AccountClass = "guest"
	// ClassRegular sessions live 30 days and are whitelist-backed.
	ClassRegular AccountClass = "regular"
	// ClassAdmin sessions behave like regular sessions but bypass quota and
	// model allowlist checks.
	ClassAdmin AccountClass = "admin"
)

// Valid reports whether c is one of the known account classes.
func (c AccountClass) Valid() bool {
	switch c {
	case ClassGuest, ClassRegular, ClassAdmin:
		return true
	}
	return false
}

// Principal is the authenticated identity attached to a request after the
// session validator accepts its token.
type Principal struct {
	SubjectID string
	Class     AccountClass
	JTI       string
	ExpiresAt time.Time
}

// IsGuest reports whether the principal came from a stateless guest token.
func (p Principal) IsGuest() bool {
	return p.Class == ClassGuest
}

// User is the engine's view of a stored account. The relational schema behind
// it is owned by the store package; the engine only reads identity, class,
// and the password hash.
type User struct {
	ID           string
	Email        string
	Nick         string
	Class        AccountClass
	PasswordHash string
	SystemPrompt string
}

// UserProvider supplies account lookups to the engine. Implementations must be
// safe for concurrent use.
type UserProvider interface {
	// UserByEmail returns the account for the given email, or an error when
	// no such account exists.
	UserByEmail(email string) (*User, error)
	// UserByID returns the account for the given subject id.
	UserByID(id string) (*User, error)
	// CreateGuest mints a throwaway guest account and returns it.
	CreateGuest() (*User, error)
	// UpdatePasswordHash replaces the stored password hash for a subject.
	UpdatePasswordHash(id, hash string) error
}

// EstablishResult is the outcome of the issue-and-admit unit. Token issuance
// and whitelist admission are one logical operation: a signed token whose
// admission failed is never handed to the caller.
type EstablishResult struct {
	Token     string
	Subject   *User
	JTI       string
	ExpiresAt time.Time
}
