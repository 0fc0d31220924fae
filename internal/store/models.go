package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Role is a group member's permission tier (spec §3).
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// InviteStatus is the lifecycle state of a group invitation (spec §3).
type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
	InviteStatusRejected InviteStatus = "rejected"
	InviteStatusExpired  InviteStatus = "expired"
)

// EventKind identifies an audit event's reason (spec §3).
type EventKind string

const (
	EventLoginSuccess EventKind = "login_success"
	EventLogout       EventKind = "logout"
	EventQuit         EventKind = "quit"
	EventKickedOut    EventKind = "kicked_out"
)

// User is a registered account (spec §3).
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID               string    `bun:"id,pk"`
	Username         string    `bun:"username,unique,notnull"`
	PasswordVerifier string    `bun:"password_verifier,notnull"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
	LastSeen         time.Time `bun:"last_seen"`
	IsOnline         bool      `bun:"is_online,notnull"`
}

// Session is an opaque-token-keyed login session (spec §3).
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	Token     string    `bun:"token,pk"`
	UserID    string    `bun:"user_id,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
}

// SessionEvent is an append-only audit record (spec §3).
type SessionEvent struct {
	bun.BaseModel `bun:"table:session_events"`

	ID        string    `bun:"id,pk"`
	UserID    string    `bun:"user_id,notnull"`
	EventKind EventKind `bun:"event_kind,notnull"`
	At        time.Time `bun:"at,notnull"`
}

// Group is a named collection of members (spec §3).
type Group struct {
	bun.BaseModel `bun:"table:groups"`

	ID          string    `bun:"id,pk"`
	Name        string    `bun:"name,notnull"`
	Description string    `bun:"description,notnull"`
	CreatedBy   string    `bun:"created_by,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	IsActive    bool      `bun:"is_active,notnull"`
	MaxMembers  int       `bun:"max_members,notnull"`
}

// GroupMember is one user's membership row in a group (spec §3).
type GroupMember struct {
	bun.BaseModel `bun:"table:group_members"`

	GroupID  string    `bun:"group_id,pk"`
	UserID   string    `bun:"user_id,pk"`
	JoinedAt time.Time `bun:"joined_at,notnull"`
	Role     Role      `bun:"role,notnull"`
}

// GroupInvite is a pending/resolved invitation to join a group (spec §3).
type GroupInvite struct {
	bun.BaseModel `bun:"table:group_invites"`

	ID          string       `bun:"id,pk"`
	GroupID     string       `bun:"group_id,notnull"`
	Inviter     string       `bun:"inviter,notnull"`
	Invitee     string       `bun:"invitee,notnull"`
	Status      InviteStatus `bun:"status,notnull"`
	CreatedAt   time.Time    `bun:"created_at,notnull"`
	ExpiresAt   *time.Time   `bun:"expires_at"`
	RespondedAt *time.Time   `bun:"responded_at"`
}

// PrivateMessage is one encrypted-at-rest direct message (spec §3).
type PrivateMessage struct {
	bun.BaseModel `bun:"table:private_messages"`

	ID              string    `bun:"id,pk"`
	Sender          string    `bun:"sender,notnull"`
	Receiver        string    `bun:"receiver,notnull"`
	Content         string    `bun:"content,notnull"`
	Timestamp       time.Time `bun:"timestamp,notnull"`
	SenderDeleted   bool      `bun:"sender_deleted,notnull"`
	ReceiverDeleted bool      `bun:"receiver_deleted,notnull"`
	KeyVersion      int       `bun:"key_version,notnull"`
}

// GroupMessage is one encrypted-at-rest group message (spec §3).
type GroupMessage struct {
	bun.BaseModel `bun:"table:group_messages"`

	ID         string    `bun:"id,pk"`
	Sender     string    `bun:"sender,notnull"`
	GroupID    string    `bun:"group_id,notnull"`
	Content    string    `bun:"content,notnull"`
	Timestamp  time.Time `bun:"timestamp,notnull"`
	IsDeleted  bool      `bun:"is_deleted,notnull"`
	KeyVersion int       `bun:"key_version,notnull"`
}
