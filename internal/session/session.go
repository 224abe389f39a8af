// Package session binds lead conversations to role-scoped bot profiles and
// routes every message through policy enforcement before generation.
//
// A session's role is fixed at bind time and never changes for the session's
// lifetime. Role corrections and profile reloads take effect at the next
// bind, so an in-flight conversation never switches knowledge mid-stream.
package session

import (
	"errors"
	"time"

	"github.com/leadgov-io/warden/internal/profile"
	"github.com/leadgov-io/warden/internal/role"
)

// Domain errors for the session package.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRateLimited     = errors.New("session message rate limit exceeded")
)

// Session is a live conversation bound to one role and one profile.
type Session struct {
	ID           string              `json:"id"`
	Phone        string              `json:"phone"`
	Role         role.Role           `json:"role"`
	Profile      *profile.BotProfile `json:"-"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// Reply is the outcome of handling one message. Refused replies carry the
// fixed refusal text; answered replies carry generated content. Either way
// the audit entry is durable before the Reply exists.
type Reply struct {
	SessionID   string    `json:"session_id"`
	Role        role.Role `json:"role"`
	Seq         int64     `json:"seq"`
	Content     string    `json:"content"`
	Refused     bool      `json:"refused"`
	RefusalCode string    `json:"refusal_code,omitempty"`
}
