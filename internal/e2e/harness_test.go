// Package e2e drives gochat's two listener sockets end to end, the way
// rjsadow-sortie's tests/e2e suite drives its own HTTP+WebSocket surface:
// real TCP connections and real WebSocket frames against an in-process
// server, no mocked transport.
package e2e

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gochat-core/gochat/internal/auth"
	"github.com/gochat-core/gochat/internal/crypto"
	"github.com/gochat-core/gochat/internal/logging"
	"github.com/gochat-core/gochat/internal/presence"
	"github.com/gochat-core/gochat/internal/router"
	"github.com/gochat-core/gochat/internal/server"
	"github.com/gochat-core/gochat/internal/store"
)

// testEnv bundles one fully wired server instance plus the two live
// endpoints a scenario dials against.
type testEnv struct {
	store   *store.Store
	srv     *server.Server
	cmdLn   net.Listener
	rtSrv   *httptest.Server
	wsURL   string
}

func newTestEnv() *testEnv {
	logger := logging.New("error", "text")

	st, err := store.Open("sqlite", fmt.Sprintf("file:e2e-%s?mode=memory&cache=shared", randHex()))
	if err != nil {
		panic(err)
	}

	var masterKey [32]byte
	rand.Read(masterKey[:])
	sealer := crypto.NewSealer(masterKey)

	authMgr := auth.NewManager(st, time.Hour, logger)
	reg := presence.New()
	rtr := router.New(st, sealer, reg, logger)
	srv := server.New(authMgr, rtr, reg, st, logger, 50)

	ln, err := srv.ListenCommand("127.0.0.1:0", nil)
	if err != nil {
		panic(err)
	}
	go srv.ServeCommand(ln)

	rtSrv := httptest.NewServer(srv.RealtimeHandler())
	wsURL := "ws" + strings.TrimPrefix(rtSrv.URL, "http") + "/ws"

	return &testEnv{store: st, srv: srv, cmdLn: ln, rtSrv: rtSrv, wsURL: wsURL}
}

func (e *testEnv) close() {
	e.cmdLn.Close()
	e.rtSrv.Close()
	e.store.Close()
}

func randHex() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// commandClient is a minimal synchronous client for the newline command
// stream: one line out, one (or more) lines in.
type commandClient struct {
	conn   net.Conn
	lines  chan string
	closed chan struct{}
}

func dialCommand(addr string) *commandClient {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		panic(err)
	}
	c := &commandClient{conn: conn, lines: make(chan string, 64), closed: make(chan struct{})}
	go c.readLoop()

	// Drain the server's unsolicited welcome banner so the first real
	// response a scenario reads is the one it actually sent a command for.
	if _, ok := c.next(2 * time.Second); !ok {
		panic("dialCommand: no welcome banner received")
	}
	return c
}

func (c *commandClient) readLoop() {
	defer close(c.closed)
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := c.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := string(buf[:idx])
				buf = buf[idx+1:]
				if line != "" {
					c.lines <- line
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (c *commandClient) send(line string) {
	fmt.Fprintf(c.conn, "%s\n", line)
}

// next blocks for up to timeout for the next response line.
func (c *commandClient) next(timeout time.Duration) (string, bool) {
	select {
	case l := <-c.lines:
		return l, true
	case <-time.After(timeout):
		return "", false
	}
}

func (c *commandClient) close() { c.conn.Close() }

// wsClient wraps a raw WebSocket connection plus a channel fed by a
// background reader, mirroring the production realtimeConn/commandConn
// split between reading and consuming.
type wsClient struct {
	conn   *websocket.Conn
	frames chan []byte
	closed chan struct{}
}

func dialWS(ctx context.Context, url string) (*wsClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &wsClient{conn: conn, frames: make(chan []byte, 64), closed: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *wsClient) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.frames <- data
	}
}

func (c *wsClient) send(v any) error { return c.conn.WriteJSON(v) }

func (c *wsClient) next(timeout time.Duration) ([]byte, bool) {
	select {
	case f := <-c.frames:
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (c *wsClient) close() { c.conn.Close() }
