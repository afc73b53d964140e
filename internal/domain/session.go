package domain

import (
	"time"
)

// Role identifies the author of a chat turn.
type Role string

const (
	// RoleUser marks a turn typed by the visitor.
	RoleUser Role = "user"
	// RoleBot marks a turn produced by the stylist.
	RoleBot Role = "bot"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// ChatTurn is one message in a session transcript. Turns are append-only.
type ChatTurn struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ImageRef points at a stored try-on result.
type ImageRef struct {
	ID        string    `json:"id"`
	Path      string    `json:"-"`
	MIMEType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionKey addresses one browser tab of one anonymous user.
type SessionKey struct {
	UserID    string
	SessionID string
}

// String returns the canonical "user:session" form used for lock and map keys.
func (k SessionKey) String() string {
	return k.UserID + ":" + k.SessionID
}

// View is the try-on panel currently shown to the visitor.
type View string

const (
	ViewInput      View = "input"
	ViewProcessing View = "processing"
	ViewResult     View = "result"
)

// LastError is the most recent try-on failure shown as a banner.
type LastError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// SessionState holds the view flags and transcript for one session.
type SessionState struct {
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id"`
	ShowInputs     bool       `json:"show_inputs"`
	GeneratedImage *ImageRef  `json:"generated_image,omitempty"`
	ChatHistory    []ChatTurn `json:"chat_history"`
	Processing     bool       `json:"processing"`
	LastError      *LastError `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewSessionState returns the state a session starts with.
func NewSessionState(key SessionKey, now time.Time) *SessionState {
	return &SessionState{
		UserID:      key.UserID,
		SessionID:   key.SessionID,
		ShowInputs:  true,
		ChatHistory: []ChatTurn{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Key returns the session key of the state.
func (s *SessionState) Key() SessionKey {
	return SessionKey{UserID: s.UserID, SessionID: s.SessionID}
}

// View derives the try-on panel from the flags.
func (s *SessionState) View() View {
	switch {
	case s.Processing:
		return ViewProcessing
	case !s.ShowInputs && s.GeneratedImage != nil:
		return ViewResult
	default:
		return ViewInput
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.GeneratedImage != nil {
		img := *s.GeneratedImage
		c.GeneratedImage = &img
	}
	if s.LastError != nil {
		le := *s.LastError
		c.LastError = &le
	}
	c.ChatHistory = append([]ChatTurn(nil), s.ChatHistory...)
	if c.ChatHistory == nil {
		c.ChatHistory = []ChatTurn{}
	}
	return &c
}
