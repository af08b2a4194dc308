package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// MaxErrorReports is how many telemetry reports are kept per user; older
// ones are dropped first.
const MaxErrorReports = 100

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	XP           int
	Level        int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ErrorReport is one client-side error submitted through telemetry.
type ErrorReport struct {
	Message   string          `json:"message"`
	Stack     string          `json:"stack,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	UserAgent string          `json:"userAgent,omitempty"`
	URL       string          `json:"url,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Progress is a partial update of a user's experience and level.
type Progress struct {
	XP    *int
	Level *int
}
