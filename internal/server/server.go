// Package server is gochat's connection handler (spec §4.1): it accepts the
// two listener sockets, authenticates frames, dispatches commands to the
// session manager and router, and reacts to presence kick signals.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gochat-core/gochat/internal/auth"
	"github.com/gochat-core/gochat/internal/presence"
	"github.com/gochat-core/gochat/internal/router"
	"github.com/gochat-core/gochat/internal/store"
)

// Server ties the session manager, router, presence registry, and store
// together behind the two listener sockets spec §2 describes.
type Server struct {
	auth            *auth.Manager
	router          *router.Router
	presence        *presence.Registry
	store           *store.Store
	logger          *slog.Logger
	groupMaxMembers int

	cmdListener net.Listener
	connSeq     atomic.Uint64
}

func New(authMgr *auth.Manager, rtr *router.Router, reg *presence.Registry, st *store.Store, logger *slog.Logger, groupMaxMembers int) *Server {
	return &Server{
		auth:            authMgr,
		router:          rtr,
		presence:        reg,
		store:           st,
		logger:          logger,
		groupMaxMembers: groupMaxMembers,
	}
}

func newID() string { return uuid.NewString() }

// ListenCommand opens the command-stream listener without serving it,
// wrapping it in TLS when tlsConfig is non-nil (spec §4.1, §7
// "Configuration... TLS files unreadable while TLS is optional falls back
// to plaintext" — that fallback decision lives in config.Load, not here).
// Split from ServeCommand so callers (and tests) can learn the bound
// address before the accept loop starts, the same way net/http separates
// Listen from Serve.
func (s *Server) ListenCommand(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	var ln net.Listener
	var err error
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("server: listen command stream: %w", err)
	}
	s.cmdListener = ln
	return ln, nil
}

// ServeCommand runs the accept loop on an already-open listener.
func (s *Server) ServeCommand(ln net.Listener) error {
	s.logger.Info("command stream listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // closed by Shutdown
		}
		go s.serveCommandConn(conn)
	}
}

// ListenAndServeCommand opens and serves the command-stream listener in one
// call (spec §4.1).
func (s *Server) ListenAndServeCommand(addr string, tlsConfig *tls.Config) error {
	ln, err := s.ListenCommand(addr, tlsConfig)
	if err != nil {
		return err
	}
	return s.ServeCommand(ln)
}

// Shutdown closes the command-stream listener. The real-time listener is
// owned and shut down by its own http.Server (see realtime.go).
func (s *Server) Shutdown() {
	if s.cmdListener != nil {
		s.cmdListener.Close()
	}
}

// serveCommandConn implements spec §4.1's per-connection lifecycle: read
// loop polled in parallel with the kick channel, cleanup on every exit path.
func (s *Server) serveCommandConn(conn net.Conn) {
	ctx := context.Background()
	id := fmt.Sprintf("cmd-%d", s.connSeq.Add(1))
	c := newCommandConn(id, conn)

	go c.writePump()
	c.reply("OK: welcome — /register or /login to begin")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var kickCh <-chan presence.KickSignal

readLoop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break readLoop
			}
			s.handleCommand(ctx, c, line, &kickCh)
		case <-kickCh:
			c.reply("ERR: kicked_out")
			if c.authed {
				if err := s.auth.RecordKickedOut(ctx, c.userID); err != nil {
					s.logger.Error("record kicked_out failed", "err", err)
				}
			}
			break readLoop
		}
	}

	s.cleanupCommandConn(ctx, c)
	close(c.send)
}

// cleanupCommandConn runs on every exit path (spec §4.1 "On any terminal
// read ... this cleanup runs on every exit path").
func (s *Server) cleanupCommandConn(ctx context.Context, c *commandConn) {
	if !c.authed {
		return
	}
	remaining := s.presence.UnregisterOne(c.userID, c.id)
	if remaining == 0 {
		if err := s.auth.SetOnline(ctx, c.userID, false); err != nil {
			s.logger.Error("clear online failed", "err", err)
		}
		if err := s.auth.RecordQuit(ctx, c.userID); err != nil {
			s.logger.Error("record quit failed", "err", err)
		}
	}
}
