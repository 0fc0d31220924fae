// Package router is gochat's message router (spec §4.4): the
// persist-then-deliver pipeline shared by private and group messages,
// modeled as a sum type with one dispatcher rather than separate
// inheritance hierarchies (spec §9 "Polymorphism").
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gochat-core/gochat/internal/crypto"
	"github.com/gochat-core/gochat/internal/presence"
	"github.com/gochat-core/gochat/internal/protocol"
	"github.com/gochat-core/gochat/internal/store"
)

var ErrEmptyBody = errors.New("router: message body is empty")

// Destination is the sum type of spec §9: a message is addressed either to
// one user by name or to one group by id, never both.
type Destination struct {
	ToUser  string
	GroupID string
}

// Router ties the store, the crypto envelope, and the presence registry
// together to implement spec §4.4's seven-step delivery sequence.
type Router struct {
	store    *store.Store
	sealer   *crypto.Sealer
	presence *presence.Registry
	logger   *slog.Logger
}

func New(s *store.Store, sealer *crypto.Sealer, reg *presence.Registry, logger *slog.Logger) *Router {
	return &Router{store: s, sealer: sealer, presence: reg, logger: logger}
}

// HistoryLine is one decrypted row ready for either transport's rendering
// (the command stream's "[HH:MM:SS] sender: body" lines, or a real-time
// history frame).
type HistoryLine struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

// SendPrivate implements spec §4.4's private-message sequence: resolve
// receiver, derive the conversation key from the sorted pair, encrypt,
// persist, then fan out to every live session of receiver and echo to every
// live session of the sender, including the one that sent it.
func (r *Router) SendPrivate(ctx context.Context, senderID, senderName, receiverName, content string) error {
	if content == "" {
		return ErrEmptyBody
	}

	receiver, err := r.store.GetUserByUsername(ctx, receiverName)
	if err != nil {
		return store.ErrNotFound
	}

	participants := []string{senderID, receiver.ID}
	envelope, err := r.sealer.Seal(participants, content)
	if err != nil {
		return fmt.Errorf("router: seal private message: %w", err)
	}

	ts := time.Now().UTC()
	if err := r.store.InsertPrivateMessage(ctx, uuid.NewString(), senderID, receiver.ID, string(envelope), ts); err != nil {
		return fmt.Errorf("router: persist private message: %w", err)
	}

	frame := protocol.IncomingMessageFrame{
		MessageType: protocol.FrameIncomingMessage,
		ChatType:    protocol.ChatPrivate,
		From:        senderName,
		To:          receiverName,
		Content:     content,
		Timestamp:   ts,
	}
	raw, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("router: encode incoming frame: %w", err)
	}

	r.deliver(receiver.ID, raw)
	r.deliver(senderID, raw)
	return nil
}

// SendGroup implements spec §4.4's group-message sequence: the conversation
// key is derived from the sorted set of all current members, and step 6
// iterates every member's live handles.
func (r *Router) SendGroup(ctx context.Context, senderID, senderName, groupID string, content string) error {
	if content == "" {
		return ErrEmptyBody
	}

	if _, err := r.store.GetGroupMember(ctx, groupID, senderID); err != nil {
		return store.ErrNotAMember
	}

	memberIDs, err := r.store.GroupMemberIDs(ctx, groupID)
	if err != nil {
		return fmt.Errorf("router: resolve group members: %w", err)
	}

	envelope, err := r.sealer.Seal(memberIDs, content)
	if err != nil {
		return fmt.Errorf("router: seal group message: %w", err)
	}

	ts := time.Now().UTC()
	if err := r.store.InsertGroupMessage(ctx, uuid.NewString(), senderID, groupID, string(envelope), ts); err != nil {
		return fmt.Errorf("router: persist group message: %w", err)
	}

	frame := protocol.IncomingMessageFrame{
		MessageType: protocol.FrameIncomingMessage,
		ChatType:    protocol.ChatGroup,
		From:        senderName,
		GroupID:     groupID,
		Content:     content,
		Timestamp:   ts,
	}
	raw, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("router: encode incoming frame: %w", err)
	}

	for _, memberID := range memberIDs {
		r.deliver(memberID, raw)
	}
	return nil
}

// deliver writes raw to every live session of userID. A send error on one
// handle is logged and otherwise ignored — persistence already happened, so
// at-least-once delivery to live sessions is the contract (spec §4.4 "Fan-out
// failures").
func (r *Router) deliver(userID string, raw []byte) {
	for _, sender := range r.presence.Senders(userID) {
		if err := sender.Send(raw); err != nil {
			r.logger.Warn("fan-out send failed", "user_id", userID, "err", err)
		}
	}
}

// PrivateHistory decrypts the conversation between userID and peerName,
// substituting the decryption-failure placeholder per row on auth failure
// (spec §4.4 "History reads").
func (r *Router) PrivateHistory(ctx context.Context, userID, peerName string) ([]HistoryLine, error) {
	peer, err := r.store.GetUserByUsername(ctx, peerName)
	if err != nil {
		return nil, store.ErrNotFound
	}

	rows, err := r.store.GetPrivateMessages(ctx, userID, peer.ID)
	if err != nil {
		return nil, err
	}

	byID := map[string]string{userID: "", peer.ID: peerName}
	userDisplay, err := r.store.GetUserByID(ctx, userID)
	if err == nil {
		byID[userID] = userDisplay.Username
	}

	lines := make([]HistoryLine, 0, len(rows))
	for _, row := range rows {
		plaintext, _, decErr := r.sealer.Open([]string{row.Sender, row.Receiver}, row.Content)
		if decErr != nil {
			r.logger.Error("decryption failure on private message", "row_id", row.ID, "participants", []string{row.Sender, row.Receiver})
			plaintext = crypto.DecryptionFailedPlaceholder
		}
		lines = append(lines, HistoryLine{Sender: byID[row.Sender], Content: plaintext, Timestamp: row.Timestamp})
	}
	return lines, nil
}

// GroupHistory decrypts a group's message history the same way, deriving
// the key from the group's current member set for every row (legacy rows
// from since-departed members still decrypt correctly only while the
// membership set is unchanged; this mirrors the deterministic derivation
// spec §4.5 requires).
func (r *Router) GroupHistory(ctx context.Context, groupID string) ([]HistoryLine, error) {
	memberIDs, err := r.store.GroupMemberIDs(ctx, groupID)
	if err != nil {
		return nil, err
	}

	rows, err := r.store.GetGroupMessages(ctx, groupID)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(memberIDs))
	for _, id := range memberIDs {
		if u, err := r.store.GetUserByID(ctx, id); err == nil {
			names[id] = u.Username
		}
	}

	lines := make([]HistoryLine, 0, len(rows))
	for _, row := range rows {
		plaintext, _, decErr := r.sealer.Open(memberIDs, row.Content)
		if decErr != nil {
			r.logger.Error("decryption failure on group message", "row_id", row.ID, "group_id", groupID)
			plaintext = crypto.DecryptionFailedPlaceholder
		}
		sender := names[row.Sender]
		if sender == "" {
			sender = row.Sender
		}
		lines = append(lines, HistoryLine{Sender: sender, Content: plaintext, Timestamp: row.Timestamp})
	}
	return lines, nil
}
