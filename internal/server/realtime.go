package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gochat-core/gochat/internal/presence"
	"github.com/gochat-core/gochat/internal/protocol"
	"github.com/gochat-core/gochat/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RealtimeHandler builds the gin engine exposing the real-time WebSocket endpoint
// plus the health/readiness endpoints a load balancer polls (spec §6
// "real-time stream"; the HTTP surface itself is ambient infrastructure,
// not a spec §1 in-scope concern).
func (s *Server) RealtimeHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/readyz", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusOK)
	})
	r.GET("/ws", s.handleWebSocket)

	return r
}

var rtConnSeq atomic.Uint64

// handleWebSocket implements spec §4.1's real-time lifecycle: the first
// frame must be `auth`; every subsequent frame is dispatched by
// message_type; socket reads run in a dedicated goroutine so the
// connection's kick channel is polled concurrently with them.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx := context.Background()
	rc := newRealtimeConn(conn)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	tag, err := protocol.DecodeMessageType(raw)
	if err != nil || tag != protocol.FrameAuth {
		s.writeAuthFailure(rc, "first frame must be auth")
		return
	}

	var authFrame protocol.AuthFrame
	if err := json.Unmarshal(raw, &authFrame); err != nil {
		s.writeAuthFailure(rc, "malformed auth frame")
		return
	}

	user, err := s.auth.ValidateSession(ctx, authFrame.SessionToken)
	if err != nil {
		s.writeAuthFailure(rc, "invalid session")
		return
	}

	rc.userID = user.ID
	rc.connID = fmt.Sprintf("rt-%d", rtConnSeq.Add(1))

	okFrame, _ := protocol.Encode(protocol.AuthResponseFrame{
		MessageType: protocol.FrameAuthResponse,
		Success:     true,
		UserID:      user.ID,
	})
	if err := rc.Send(okFrame); err != nil {
		return
	}

	handle := s.presence.Register(user.ID, rc.connID, rc)
	defer func() {
		remaining := s.presence.UnregisterOne(user.ID, rc.connID)
		if remaining == 0 {
			if err := s.auth.SetOnline(ctx, user.ID, false); err != nil {
				s.logger.Error("clear online failed", "err", err)
			}
			if err := s.auth.RecordQuit(ctx, user.ID); err != nil {
				s.logger.Error("record quit failed", "err", err)
			}
		}
	}()

	if err := s.auth.SetOnline(ctx, user.ID, true); err != nil {
		s.logger.Error("set online failed", "err", err)
	}

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- raw
		}
	}()

	for {
		select {
		case raw, ok := <-frames:
			if !ok {
				return
			}
			s.handleRealtimeFrame(ctx, user, raw)
		case <-handle.Kick:
			kickFrame, _ := protocol.Encode(protocol.KickedOutFrame{MessageType: protocol.FrameKickedOut})
			rc.Send(kickFrame)
			if err := s.auth.RecordKickedOut(ctx, user.ID); err != nil {
				s.logger.Error("record kicked_out failed", "err", err)
			}
			return
		}
	}
}

// handleRealtimeFrame dispatches one post-auth client frame (spec §4.4).
// send_message is the only client-initiated frame today; unknown or
// malformed frames are logged and dropped rather than closing the socket.
func (s *Server) handleRealtimeFrame(ctx context.Context, user *store.User, raw []byte) {
	tag, err := protocol.DecodeMessageType(raw)
	if err != nil {
		s.logger.Warn("malformed real-time frame", "err", err)
		return
	}
	if tag != protocol.FrameSendMessage {
		s.logger.Warn("unexpected real-time frame type", "type", tag)
		return
	}

	var f protocol.SendMessageFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("malformed send_message frame", "err", err)
		return
	}

	var sendErr error
	switch f.ChatType {
	case protocol.ChatGroup:
		sendErr = s.router.SendGroup(ctx, user.ID, user.Username, f.GroupID, f.Content)
	default:
		sendErr = s.router.SendPrivate(ctx, user.ID, user.Username, f.ToUser, f.Content)
	}
	if sendErr != nil {
		s.logger.Warn("send_message failed", "user", user.Username, "err", sendErr)
	}
}

func (s *Server) writeAuthFailure(rc *realtimeConn, reason string) {
	frame, _ := protocol.Encode(protocol.AuthResponseFrame{
		MessageType: protocol.FrameAuthResponse,
		Success:     false,
		Error:       reason,
	})
	rc.Send(frame)
}

var _ presence.Sender = (*realtimeConn)(nil)
