package server

import (
	"bufio"
	"net"
	"time"
)

const (
	sendBufSize  = 256
	writeTimeout = 10 * time.Second
	readTimeout  = 5 * time.Minute
)

// commandConn is one command-stream connection (spec §4.1, §6):
// newline-terminated text, one command per line, one response per command.
// Reading and writing are decoupled across two goroutines so a slow writer
// never blocks the reader, mirroring the teacher's Client pump pattern.
type commandConn struct {
	id   string
	conn net.Conn
	send chan []byte

	authed bool
	userID string
	name   string
}

func newCommandConn(id string, conn net.Conn) *commandConn {
	return &commandConn{id: id, conn: conn, send: make(chan []byte, sendBufSize)}
}

func (c *commandConn) setIdentity(userID, username string) {
	c.authed = true
	c.userID = userID
	c.name = username
}

// writePump drains the send channel to the socket until it is closed.
func (c *commandConn) writePump() {
	defer c.conn.Close()
	for line := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(line); err != nil {
			return
		}
	}
}

// reply queues msg (already prefixed by the caller's OK:/ERR: helpers)
// with a trailing newline. Non-blocking: a saturated buffer drops the line
// rather than stalling the reader.
func (c *commandConn) reply(msg string) {
	select {
	case c.send <- append([]byte(msg), '\n'):
	default:
	}
}

// replyLines queues a multiline response (spec §6 history commands) as one
// write, each line separated by \n and the whole block terminated by \n.
func (c *commandConn) replyLines(lines []string) {
	var buf []byte
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	select {
	case c.send <- buf:
	default:
	}
}

func (c *commandConn) scanner() *bufio.Scanner {
	return bufio.NewScanner(c.conn)
}
