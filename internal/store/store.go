// Package store is gochat's persistence layer (spec §4.6): schema,
// migrations, and the transactional reads/writes every other subsystem
// depends on. It is backed by github.com/uptrace/bun over either
// modernc.org/sqlite (default, cgo-free) or github.com/lib/pq (production).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Sentinel errors classified by the handlers into the §7 error categories.
var (
	ErrNotFound               = errors.New("not found")
	ErrUsernameTaken          = errors.New("username taken")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidSession         = errors.New("invalid session")
	ErrNoSuchGroup            = errors.New("no such group")
	ErrNotAMember             = errors.New("not a member")
	ErrAlreadyMember          = errors.New("already a member")
	ErrGroupFull              = errors.New("group is full")
	ErrNotAuthorizedToInvite  = errors.New("not authorized to invite")
	ErrDuplicatePendingInvite = errors.New("invitation already pending")
	ErrInvitationNotPending   = errors.New("invitation not pending")
	ErrInvitationExpired      = errors.New("invitation expired")
)

// Store owns the connection pool and exposes every persistence operation
// spec §4.6 requires.
type Store struct {
	db     *bun.DB
	driver string
}

// Open opens (and migrates) a database connection. driver is "sqlite" or
// "postgres"; dsn is the corresponding connection string.
func Open(driver, dsn string) (*Store, error) {
	var sqlDriverName string
	var dialect bun.Dialect

	switch driver {
	case "sqlite":
		sqlDriverName = "sqlite"
		dialect = sqlitedialect.New()
	case "postgres":
		sqlDriverName = "postgres"
		dialect = pgdialect.New()
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	conn, err := sql.Open(sqlDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: set busy_timeout: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: enable WAL: %w", err)
		}
		conn.SetMaxIdleConns(1)
	}

	// Migrations run over their own pool, so the migrator's Close never
	// reaches conn.
	migConn, err := sql.Open(sqlDriverName, dsn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: open %s for migrations: %w", driver, err)
	}
	err = runMigrations(migConn, driver)
	migConn.Close()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Store{db: bun.NewDB(conn, dialect), driver: driver}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// InsertUser inserts a brand-new user row. Callers are responsible for
// hashing the password before calling this (spec §4.2 "Registration").
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	_, err := s.db.NewInsert().Model(u).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	return err
}

// GetUserByUsername looks up a user by exact (case-sensitive) username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := new(User)
	err := s.db.NewSelect().Model(u).Where("username = ?", username).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// GetUserByID looks up a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	u := new(User)
	err := s.db.NewSelect().Model(u).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// ListUsernames returns every registered username (spec §6 "/users").
func (s *Store) ListUsernames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.NewSelect().Model((*User)(nil)).Column("username").Order("username ASC").Scan(ctx, &names)
	return names, err
}

// Register inserts a new user row with the given id and password verifier.
func (s *Store) Register(ctx context.Context, id, username, passwordVerifier string) (*User, error) {
	u := &User{ID: id, Username: username, PasswordVerifier: passwordVerifier, CreatedAt: time.Now().UTC()}
	if err := s.InsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Sessions / auth (spec §4.2)
// ---------------------------------------------------------------------------

// LoginResult is the outcome of a successful login transaction.
type LoginResult struct {
	Session *Session
	User    *User
}

// Login runs the single-session login transaction of spec §4.2: verify (via
// verifyPassword), delete all of the user's existing sessions, insert the
// fresh one, mark the user online, and append a login_success audit event —
// all inside one transaction.
func (s *Store) Login(ctx context.Context, username string, verifyPassword func(verifier string) bool, newToken, newEventID func() string, lifetime time.Duration) (*LoginResult, error) {
	var result LoginResult

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		u := new(User)
		if err := tx.NewSelect().Model(u).Where("username = ?", username).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidCredentials
			}
			return err
		}
		if !verifyPassword(u.PasswordVerifier) {
			return ErrInvalidCredentials
		}

		if _, err := tx.NewDelete().Model((*Session)(nil)).Where("user_id = ?", u.ID).Exec(ctx); err != nil {
			return err
		}

		now := time.Now().UTC()
		sess := &Session{
			Token:     newToken(),
			UserID:    u.ID,
			CreatedAt: now,
			ExpiresAt: now.Add(lifetime),
		}
		if _, err := tx.NewInsert().Model(sess).Exec(ctx); err != nil {
			return err
		}

		u.IsOnline = true
		u.LastSeen = now
		if _, err := tx.NewUpdate().Model(u).Column("is_online", "last_seen").WherePK().Exec(ctx); err != nil {
			return err
		}

		evt := &SessionEvent{ID: newEventID(), UserID: u.ID, EventKind: EventLoginSuccess, At: now}
		if _, err := tx.NewInsert().Model(evt).Exec(ctx); err != nil {
			return err
		}

		result = LoginResult{Session: sess, User: u}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ValidateSession returns the user for a non-expired token, without
// touching presence (spec §4.2 "does not kick").
func (s *Store) ValidateSession(ctx context.Context, token string) (*User, error) {
	sess := new(Session)
	err := s.db.NewSelect().Model(sess).Where("token = ?", token).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidSession
		}
		return nil, err
	}
	if sess.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrInvalidSession
	}
	return s.GetUserByID(ctx, sess.UserID)
}

// Logout runs the logout transaction: delete all of the user's sessions,
// clear online, append a logout event (spec §4.2).
func (s *Store) Logout(ctx context.Context, userID string, newEventID func() string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Session)(nil)).Where("user_id = ?", userID).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewUpdate().Model((*User)(nil)).Set("is_online = ?", false).Where("id = ?", userID).Exec(ctx); err != nil {
			return err
		}
		evt := &SessionEvent{ID: newEventID(), UserID: userID, EventKind: EventLogout, At: time.Now().UTC()}
		_, err := tx.NewInsert().Model(evt).Exec(ctx)
		return err
	})
}

// RecordEvent appends a standalone audit event (quit, kicked_out), used by
// the connection handler outside of the login/logout transactions (spec
// §4.1, §4.2).
func (s *Store) RecordEvent(ctx context.Context, userID string, kind EventKind, newEventID func() string) error {
	evt := &SessionEvent{ID: newEventID(), UserID: userID, EventKind: kind, At: time.Now().UTC()}
	_, err := s.db.NewInsert().Model(evt).Exec(ctx)
	return err
}

// AuditEvents returns userID's audit trail in the order it was recorded,
// oldest first (spec §3 "audit_events").
func (s *Store) AuditEvents(ctx context.Context, userID string) ([]SessionEvent, error) {
	var events []SessionEvent
	err := s.db.NewSelect().Model(&events).Where("user_id = ?", userID).OrderExpr("at ASC").Scan(ctx)
	return events, err
}

// CountSessions returns the number of non-expired session rows for userID
// (spec §8 invariant 1).
func (s *Store) CountSessions(ctx context.Context, userID string) (int, error) {
	n, err := s.db.NewSelect().Model((*Session)(nil)).
		Where("user_id = ?", userID).
		Where("expires_at > ?", time.Now().UTC()).
		Count(ctx)
	return n, err
}

// SetOnline updates a user's derived online flag (spec §3: "the online flag
// is a derived view of presence-registry membership").
func (s *Store) SetOnline(ctx context.Context, userID string, online bool) error {
	_, err := s.db.NewUpdate().Model((*User)(nil)).Set("is_online = ?", online).Where("id = ?", userID).Exec(ctx)
	return err
}

// SweepExpiredSessions deletes every session row whose expiry has passed
// (spec §4.2 "expiry sweep").
func (s *Store) SweepExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().Model((*Session)(nil)).Where("expires_at <= ?", time.Now().UTC()).Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Groups (spec §3, §4.6)
// ---------------------------------------------------------------------------

// GroupSummary pairs a group id with its display name, for /my_groups.
type GroupSummary struct {
	ID   string
	Name string
}

// CreateGroup creates a group and its creator-as-admin membership row in a
// single transaction (spec §3: "the creator is always a member with admin
// role immediately after creation").
func (s *Store) CreateGroup(ctx context.Context, id, name, creatorID string, maxMembers int) (*Group, error) {
	g := &Group{ID: id, Name: name, CreatedBy: creatorID, CreatedAt: time.Now().UTC(), IsActive: true, MaxMembers: maxMembers}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(g).Exec(ctx); err != nil {
			return err
		}
		member := &GroupMember{GroupID: g.ID, UserID: creatorID, JoinedAt: g.CreatedAt, Role: RoleAdmin}
		_, err := tx.NewInsert().Model(member).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// MyGroups lists the groups a user belongs to.
func (s *Store) MyGroups(ctx context.Context, userID string) ([]GroupSummary, error) {
	var rows []GroupSummary
	err := s.db.NewSelect().
		Model((*GroupMember)(nil)).
		Join("JOIN groups AS g ON g.id = group_member.group_id").
		Where("group_member.user_id = ?", userID).
		ColumnExpr("g.id AS id, g.name AS name").
		Scan(ctx, &rows)
	return rows, err
}

// GetGroupByName resolves a group by its display name. Names are not
// declared unique by spec §3, so this returns the most recently created
// active group with that name.
func (s *Store) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	g := new(Group)
	err := s.db.NewSelect().Model(g).Where("name = ? AND is_active = ?", name, true).Order("created_at DESC").Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSuchGroup
		}
		return nil, err
	}
	return g, nil
}

// GetGroupMember returns a user's membership row in a group, or ErrNotAMember.
func (s *Store) GetGroupMember(ctx context.Context, groupID, userID string) (*GroupMember, error) {
	m := new(GroupMember)
	err := s.db.NewSelect().Model(m).Where("group_id = ? AND user_id = ?", groupID, userID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotAMember
		}
		return nil, err
	}
	return m, nil
}

// GroupMemberIDs returns the user ids of every member of a group, used for
// fan-out and for the sorted participant set passed to the crypto envelope
// (spec §4.4).
func (s *Store) GroupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := s.db.NewSelect().Model((*GroupMember)(nil)).Column("user_id").Where("group_id = ?", groupID).Scan(ctx, &ids)
	return ids, err
}

func (s *Store) groupMemberCount(ctx context.Context, tx bun.Tx, groupID string) (int, error) {
	return tx.NewSelect().Model((*GroupMember)(nil)).Where("group_id = ?", groupID).Count(ctx)
}

// CreateInvite inserts a pending invitation, enforcing the "at most one
// pending invitation per (group, invitee)" invariant (spec §3) and the
// inviter-role check added by SPEC_FULL.md (admin/moderator only).
func (s *Store) CreateInvite(ctx context.Context, id, groupID, inviterID, inviteeID string, expiresAt *time.Time) (*GroupInvite, error) {
	inviterMember, err := s.GetGroupMember(ctx, groupID, inviterID)
	if err != nil {
		return nil, err
	}
	if inviterMember.Role != RoleAdmin && inviterMember.Role != RoleModerator {
		return nil, ErrNotAuthorizedToInvite
	}

	if _, err := s.GetGroupMember(ctx, groupID, inviteeID); err == nil {
		return nil, ErrAlreadyMember
	} else if !errors.Is(err, ErrNotAMember) {
		return nil, err
	}

	existing, err := s.db.NewSelect().Model((*GroupInvite)(nil)).
		Where("group_id = ? AND invitee = ? AND status = ?", groupID, inviteeID, InviteStatusPending).
		Count(ctx)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrDuplicatePendingInvite
	}

	inv := &GroupInvite{
		ID:        id,
		GroupID:   groupID,
		Inviter:   inviterID,
		Invitee:   inviteeID,
		Status:    InviteStatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	if _, err := s.db.NewInsert().Model(inv).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicatePendingInvite
		}
		return nil, err
	}
	return inv, nil
}

// InviteSummary pairs an invitation id with its group's display name, for
// /my_invites.
type InviteSummary struct {
	ID        string
	GroupName string
}

// MyInvites lists a user's pending invitations.
func (s *Store) MyInvites(ctx context.Context, userID string) ([]InviteSummary, error) {
	var rows []InviteSummary
	err := s.db.NewSelect().
		Model((*GroupInvite)(nil)).
		Join("JOIN groups AS g ON g.id = group_invite.group_id").
		Where("group_invite.invitee = ? AND group_invite.status = ?", userID, InviteStatusPending).
		ColumnExpr("group_invite.id AS id, g.name AS group_name").
		Scan(ctx, &rows)
	return rows, err
}

// resolvePendingInvite loads an invitation, checks ownership and status, and
// flips it to expired (committing that alone) if its expiry has passed
// (SPEC_FULL.md "invitation expiry").
func (s *Store) resolvePendingInvite(ctx context.Context, tx bun.Tx, inviteID, userID string) (*GroupInvite, error) {
	inv := new(GroupInvite)
	if err := tx.NewSelect().Model(inv).Where("id = ?", inviteID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if inv.Invitee != userID {
		return nil, ErrNotFound
	}
	if inv.Status != InviteStatusPending {
		return nil, ErrInvitationNotPending
	}
	if inv.ExpiresAt != nil && inv.ExpiresAt.Before(time.Now().UTC()) {
		inv.Status = InviteStatusExpired
		if _, err := tx.NewUpdate().Model(inv).Column("status").WherePK().Exec(ctx); err != nil {
			return nil, err
		}
		return nil, ErrInvitationExpired
	}
	return inv, nil
}

// AcceptInvite flips the invitation to accepted and inserts the membership
// row in one transaction (spec §3: "accepting an invitation flips status
// and inserts the membership row in one transaction"), enforcing the
// group's member cap (SPEC_FULL.md).
func (s *Store) AcceptInvite(ctx context.Context, inviteID, userID string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		inv, err := s.resolvePendingInvite(ctx, tx, inviteID, userID)
		if err != nil {
			return err
		}

		g := new(Group)
		if err := tx.NewSelect().Model(g).Where("id = ?", inv.GroupID).Scan(ctx); err != nil {
			return err
		}
		count, err := s.groupMemberCount(ctx, tx, inv.GroupID)
		if err != nil {
			return err
		}
		if count >= g.MaxMembers {
			return ErrGroupFull
		}

		now := time.Now().UTC()
		inv.Status = InviteStatusAccepted
		inv.RespondedAt = &now
		if _, err := tx.NewUpdate().Model(inv).Column("status", "responded_at").WherePK().Exec(ctx); err != nil {
			return err
		}

		member := &GroupMember{GroupID: inv.GroupID, UserID: userID, JoinedAt: now, Role: RoleMember}
		_, err = tx.NewInsert().Model(member).Exec(ctx)
		return err
	})
}

// RejectInvite flips the invitation to rejected.
func (s *Store) RejectInvite(ctx context.Context, inviteID, userID string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		inv, err := s.resolvePendingInvite(ctx, tx, inviteID, userID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		inv.Status = InviteStatusRejected
		inv.RespondedAt = &now
		_, err = tx.NewUpdate().Model(inv).Column("status", "responded_at").WherePK().Exec(ctx)
		return err
	})
}

// LeaveGroup removes a user's membership row.
func (s *Store) LeaveGroup(ctx context.Context, groupID, userID string) error {
	res, err := s.db.NewDelete().Model((*GroupMember)(nil)).Where("group_id = ? AND user_id = ?", groupID, userID).Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotAMember
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages (spec §3, §4.4, §4.6)
// ---------------------------------------------------------------------------

// InsertPrivateMessage persists one already-encrypted private message.
func (s *Store) InsertPrivateMessage(ctx context.Context, id, sender, receiver, content string, ts time.Time) error {
	m := &PrivateMessage{ID: id, Sender: sender, Receiver: receiver, Content: content, Timestamp: ts}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

// InsertGroupMessage persists one already-encrypted group message.
func (s *Store) InsertGroupMessage(ctx context.Context, id, sender, groupID, content string, ts time.Time) error {
	m := &GroupMessage{ID: id, Sender: sender, GroupID: groupID, Content: content, Timestamp: ts}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

// GetPrivateMessages returns the conversation between userID and peerID,
// ordered oldest-first, excluding rows userID has soft-deleted their own
// side of (spec §3's per-side soft-delete markers).
func (s *Store) GetPrivateMessages(ctx context.Context, userID, peerID string) ([]PrivateMessage, error) {
	var rows []PrivateMessage
	err := s.db.NewSelect().Model(&rows).
		Where("((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))", userID, peerID, peerID, userID).
		Where("NOT ((sender = ? AND sender_deleted) OR (receiver = ? AND receiver_deleted))", userID, userID).
		Order("timestamp ASC").
		Scan(ctx)
	return rows, err
}

// GetGroupMessages returns a group's message history, excluding rows
// soft-deleted via the group's single shared marker (spec §3).
func (s *Store) GetGroupMessages(ctx context.Context, groupID string) ([]GroupMessage, error) {
	var rows []GroupMessage
	err := s.db.NewSelect().Model(&rows).
		Where("group_id = ? AND NOT is_deleted", groupID).
		Order("timestamp ASC").
		Scan(ctx)
	return rows, err
}

// DeletePrivateMessagesForSide sets userID's own soft-delete marker on every
// message between userID and peerID (spec §3: per-side markers, the other
// side's view survives).
func (s *Store) DeletePrivateMessagesForSide(ctx context.Context, userID, peerID string) error {
	_, err := s.db.NewUpdate().Model((*PrivateMessage)(nil)).
		Set("sender_deleted = true").
		Where("sender = ? AND receiver = ?", userID, peerID).
		Exec(ctx)
	if err != nil {
		return err
	}
	_, err = s.db.NewUpdate().Model((*PrivateMessage)(nil)).
		Set("receiver_deleted = true").
		Where("sender = ? AND receiver = ?", peerID, userID).
		Exec(ctx)
	return err
}

// DeleteGroupMessages sets the shared is_deleted marker on every message in
// the group (spec §3: group messages carry a single marker, not a per-side
// pair).
func (s *Store) DeleteGroupMessages(ctx context.Context, groupID string) error {
	_, err := s.db.NewUpdate().Model((*GroupMessage)(nil)).Set("is_deleted = true").Where("group_id = ?", groupID).Exec(ctx)
	return err
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
