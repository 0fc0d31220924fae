package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gochat-core/gochat/internal/presence"
	"github.com/gochat-core/gochat/internal/protocol"
	"github.com/gochat-core/gochat/internal/router"
	"github.com/gochat-core/gochat/internal/store"
)

// handleCommand dispatches one parsed command-stream line to the right
// handler and writes exactly one response (spec §4.1 "the handler
// dispatches to the session manager or the router and writes exactly one
// response line").
func (s *Server) handleCommand(ctx context.Context, c *commandConn, raw string, kickCh *<-chan presence.KickSignal) {
	cmd := protocol.ParseCommand(raw)
	if cmd.Name == "" {
		return
	}

	if !protocol.UnauthenticatedCommands[cmd.Name] {
		if len(cmd.Args) == 0 {
			c.reply(protocol.Err("not authenticated"))
			return
		}
		token := cmd.Args[0]
		user, err := s.auth.ValidateSession(ctx, token)
		if err != nil {
			c.reply(protocol.Err("not authenticated"))
			return
		}
		c.setIdentity(user.ID, user.Username)
		cmd.Args = cmd.Args[1:]
	}

	switch cmd.Name {
	case "register":
		s.cmdRegister(ctx, c, cmd)
	case "login":
		s.cmdLogin(ctx, c, cmd, kickCh)
	case "validate_session":
		s.cmdValidateSession(ctx, c, cmd)
	case "logout":
		s.cmdLogout(ctx, c)
	case "users":
		s.cmdUsers(ctx, c)
	case "create_group":
		s.cmdCreateGroup(ctx, c, cmd)
	case "my_groups":
		s.cmdMyGroups(ctx, c)
	case "invite":
		s.cmdInvite(ctx, c, cmd)
	case "my_invites":
		s.cmdMyInvites(ctx, c)
	case "accept_invite":
		s.cmdAcceptInvite(ctx, c, cmd)
	case "reject_invite":
		s.cmdRejectInvite(ctx, c, cmd)
	case "leave_group":
		s.cmdLeaveGroup(ctx, c, cmd)
	case "send":
		s.cmdSendGroup(ctx, c, cmd)
	case "send_private":
		s.cmdSendPrivate(ctx, c, cmd)
	case "get_group_messages":
		s.cmdGetGroupMessages(ctx, c, cmd)
	case "get_private_messages":
		s.cmdGetPrivateMessages(ctx, c, cmd)
	case "delete_group_messages":
		s.cmdDeleteGroupMessages(ctx, c, cmd)
	case "delete_private_messages":
		s.cmdDeletePrivateMessages(ctx, c, cmd)
	case "help":
		c.reply(protocol.OK("see spec §6 for the command list"))
	case "quit":
		c.reply(protocol.OK("bye"))
	default:
		c.reply(protocol.Errf("unknown command %q", cmd.Name))
	}
}

func (s *Server) cmdRegister(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 2 {
		c.reply(protocol.Err("usage: /register <user> <pass>"))
		return
	}
	_, err := s.auth.Register(ctx, cmd.Args[0], cmd.Args[1])
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			c.reply(protocol.Err("username taken"))
			return
		}
		c.reply(protocol.Errf("registration failed: %v", err))
		return
	}
	c.reply(protocol.OK("registered"))
}

func (s *Server) cmdLogin(ctx context.Context, c *commandConn, cmd protocol.Command, kickCh *<-chan presence.KickSignal) {
	if len(cmd.Args) < 2 {
		c.reply(protocol.Err("usage: /login <user> <pass>"))
		return
	}
	res, err := s.auth.Login(ctx, cmd.Args[0], cmd.Args[1])
	if err != nil {
		c.reply(protocol.Err("invalid credentials"))
		return
	}

	c.setIdentity(res.User.ID, res.User.Username)

	if kicked := s.presence.KickAll(res.User.ID); kicked > 0 {
		s.logger.Info("kicked prior sessions", "user_id", res.User.ID, "count", kicked)
	}
	// nil: the command stream is never a router delivery target, only
	// OK:/ERR: reply lines — only real-time sockets register a live Sender.
	handle := s.presence.Register(res.User.ID, c.id, nil)
	*kickCh = handle.Kick

	if err := s.auth.SetOnline(ctx, res.User.ID, true); err != nil {
		s.logger.Error("set online failed", "err", err)
	}

	c.reply(protocol.OKf("logged in SESSION: %s", res.Session.Token))
}

func (s *Server) cmdValidateSession(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /validate_session <token>"))
		return
	}
	user, err := s.auth.ValidateSession(ctx, cmd.Args[0])
	if err != nil {
		c.reply(protocol.Err("invalid session"))
		return
	}
	c.reply(protocol.OK(user.Username))
}

func (s *Server) cmdLogout(ctx context.Context, c *commandConn) {
	if err := s.auth.Logout(ctx, c.userID); err != nil {
		c.reply(protocol.Errf("logout failed: %v", err))
		return
	}
	// Exclude this connection: logout tears down the user's *other* live
	// connections, not the one that issued the /logout command itself.
	s.presence.KickAllExcept(c.userID, c.id)
	c.reply(protocol.OK("logged out"))
}

func (s *Server) cmdUsers(ctx context.Context, c *commandConn) {
	names, err := s.store.ListUsernames(ctx)
	if err != nil {
		c.reply(protocol.Errf("users failed: %v", err))
		return
	}
	c.reply(protocol.OK(strings.Join(names, ",")))
}

func (s *Server) cmdCreateGroup(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /create_group <name>"))
		return
	}
	g, err := s.store.CreateGroup(ctx, newID(), cmd.Rest(0), c.userID, s.groupMaxMembers)
	if err != nil {
		c.reply(protocol.Errf("create_group failed: %v", err))
		return
	}
	c.reply(protocol.OK(g.ID))
}

func (s *Server) cmdMyGroups(ctx context.Context, c *commandConn) {
	groups, err := s.store.MyGroups(ctx, c.userID)
	if err != nil {
		c.reply(protocol.Errf("my_groups failed: %v", err))
		return
	}
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, fmt.Sprintf("%s:%s", g.ID, g.Name))
	}
	c.reply(protocol.OK(strings.Join(parts, ", ")))
}

func (s *Server) cmdInvite(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 2 {
		c.reply(protocol.Err("usage: /invite <user> <group>"))
		return
	}
	invitee, err := s.store.GetUserByUsername(ctx, cmd.Args[0])
	if err != nil {
		c.reply(protocol.Err("no such user"))
		return
	}
	group, err := s.store.GetGroupByName(ctx, cmd.Args[1])
	if err != nil {
		c.reply(protocol.Err("no such group"))
		return
	}
	_, err = s.store.CreateInvite(ctx, newID(), group.ID, c.userID, invitee.ID, nil)
	if err != nil {
		c.reply(protocol.Errf("invite failed: %v", translateStoreErr(err)))
		return
	}
	c.reply(protocol.OK("invited"))
}

func (s *Server) cmdMyInvites(ctx context.Context, c *commandConn) {
	invites, err := s.store.MyInvites(ctx, c.userID)
	if err != nil {
		c.reply(protocol.Errf("my_invites failed: %v", err))
		return
	}
	parts := make([]string, 0, len(invites))
	for _, inv := range invites {
		parts = append(parts, fmt.Sprintf("%s:%s", inv.ID, inv.GroupName))
	}
	c.reply(protocol.OK(strings.Join(parts, ", ")))
}

func (s *Server) cmdAcceptInvite(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /accept_invite <invite_id>"))
		return
	}
	if err := s.store.AcceptInvite(ctx, cmd.Args[0], c.userID); err != nil {
		c.reply(protocol.Errf("accept_invite failed: %v", translateStoreErr(err)))
		return
	}
	c.reply(protocol.OK("joined"))
}

func (s *Server) cmdRejectInvite(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /reject_invite <invite_id>"))
		return
	}
	if err := s.store.RejectInvite(ctx, cmd.Args[0], c.userID); err != nil {
		c.reply(protocol.Errf("reject_invite failed: %v", translateStoreErr(err)))
		return
	}
	c.reply(protocol.OK("rejected"))
}

func (s *Server) cmdLeaveGroup(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /leave_group <group>"))
		return
	}
	group, err := s.store.GetGroupByName(ctx, cmd.Args[0])
	if err != nil {
		c.reply(protocol.Err("no such group"))
		return
	}
	if err := s.store.LeaveGroup(ctx, group.ID, c.userID); err != nil {
		c.reply(protocol.Errf("leave_group failed: %v", translateStoreErr(err)))
		return
	}
	c.reply(protocol.OK("left"))
}

func (s *Server) cmdSendGroup(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 2 {
		c.reply(protocol.Err("usage: /send <group> <msg>"))
		return
	}
	group, err := s.store.GetGroupByName(ctx, cmd.Args[0])
	if err != nil {
		c.reply(protocol.Err("no such group"))
		return
	}
	if err := s.router.SendGroup(ctx, c.userID, c.name, group.ID, cmd.Rest(1)); err != nil {
		c.reply(protocol.Errf("send failed: %v", translateStoreErr(err)))
		return
	}
	c.reply(protocol.OK("sent"))
}

func (s *Server) cmdSendPrivate(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 2 {
		c.reply(protocol.Err("usage: /send_private <user> <msg>"))
		return
	}
	if err := s.router.SendPrivate(ctx, c.userID, c.name, cmd.Args[0], cmd.Rest(1)); err != nil {
		c.reply(protocol.Errf("send failed: %v", translateStoreErr(err)))
		return
	}
	c.reply(protocol.OK("sent"))
}

func (s *Server) cmdGetGroupMessages(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /get_group_messages <group>"))
		return
	}
	group, err := s.store.GetGroupByName(ctx, cmd.Args[0])
	if err != nil {
		c.reply(protocol.Err("no such group"))
		return
	}
	lines, err := s.router.GroupHistory(ctx, group.ID)
	if err != nil {
		c.reply(protocol.Errf("get_group_messages failed: %v", err))
		return
	}
	c.replyLines(append([]string{"OK: Messages:"}, renderHistory(lines)...))
}

func (s *Server) cmdGetPrivateMessages(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /get_private_messages <user>"))
		return
	}
	lines, err := s.router.PrivateHistory(ctx, c.userID, cmd.Args[0])
	if err != nil {
		c.reply(protocol.Errf("get_private_messages failed: %v", err))
		return
	}
	c.replyLines(append([]string{"OK: Private messages:"}, renderHistory(lines)...))
}

func (s *Server) cmdDeleteGroupMessages(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /delete_group_messages <group>"))
		return
	}
	group, err := s.store.GetGroupByName(ctx, cmd.Args[0])
	if err != nil {
		c.reply(protocol.Err("no such group"))
		return
	}
	if err := s.store.DeleteGroupMessages(ctx, group.ID); err != nil {
		c.reply(protocol.Errf("delete_group_messages failed: %v", err))
		return
	}
	c.reply(protocol.OK("cleared"))
}

func (s *Server) cmdDeletePrivateMessages(ctx context.Context, c *commandConn, cmd protocol.Command) {
	if len(cmd.Args) < 1 {
		c.reply(protocol.Err("usage: /delete_private_messages <user>"))
		return
	}
	peer, err := s.store.GetUserByUsername(ctx, cmd.Args[0])
	if err != nil {
		c.reply(protocol.Err("no such user"))
		return
	}
	if err := s.store.DeletePrivateMessagesForSide(ctx, c.userID, peer.ID); err != nil {
		c.reply(protocol.Errf("delete_private_messages failed: %v", err))
		return
	}
	c.reply(protocol.OK("cleared"))
}

func renderHistory(lines []router.HistoryLine) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, fmt.Sprintf("[%s] %s: %s", l.Timestamp.Format("15:04:05"), l.Sender, l.Content))
	}
	return out
}

// translateStoreErr maps internal store sentinels to the spec §7 error
// vocabulary; anything unrecognized passes through as-is.
func translateStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotAMember):
		return errors.New("not a member")
	case errors.Is(err, store.ErrGroupFull):
		return errors.New("group is full")
	case errors.Is(err, store.ErrAlreadyMember):
		return errors.New("already a member")
	case errors.Is(err, store.ErrNotAuthorizedToInvite):
		return errors.New("not authorized to invite")
	case errors.Is(err, store.ErrDuplicatePendingInvite):
		return errors.New("invitation already pending")
	case errors.Is(err, store.ErrInvitationNotPending):
		return errors.New("invitation not pending")
	case errors.Is(err, store.ErrInvitationExpired):
		return errors.New("invitation expired")
	case errors.Is(err, store.ErrNotFound):
		return errors.New("not found")
	case errors.Is(err, router.ErrEmptyBody):
		return errors.New("message body is empty")
	default:
		return err
	}
}
