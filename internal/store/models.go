package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Diagram is the shared mutable resource. Nodes and Edges are opaque graph
// payloads; the server never interprets their contents.
type Diagram struct {
	ID             string
	Name           string
	Nodes          json.RawMessage
	Edges          json.RawMessage
	OwnerID        string
	OwnerName      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LockedByUserID *string
	LockExpiresAt  *time.Time
}

// DiagramPatch carries a partial update. Nil fields are left untouched.
type DiagramPatch struct {
	Name  *string
	Nodes json.RawMessage
	Edges json.RawMessage
}

// Empty reports whether the patch changes nothing.
func (p DiagramPatch) Empty() bool {
	return p.Name == nil && p.Nodes == nil && p.Edges == nil
}

type ChatMessage struct {
	ID        string
	DiagramID string
	Role      string
	Content   string
	CreatedAt time.Time
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
