// Package protocol defines the wire formats for both client-server streams:
// the newline-framed command stream and the JSON-framed real-time stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Command stream — newline-terminated text, one command per line, one
// response per command.  See spec §6's command table for the full grammar.
// ---------------------------------------------------------------------------

// Command is a single parsed command-stream line: a leading "/name" token
// followed by whitespace-delimited arguments. Message bodies are split like
// every other argument; Rest joins them back into one string.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a raw command-stream line into its name and arguments.
// Leading/trailing whitespace is trimmed; an empty line yields a zero Command
// with an empty Name.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}
	}
	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "/")
	return Command{Name: name, Args: fields[1:]}
}

// Rest joins all arguments starting at idx back into a single string,
// separated by single spaces: runs of whitespace in the original line are
// not preserved. Used for message bodies, which are the
// final positional argument of /send and /send_private.
func (c Command) Rest(idx int) string {
	if idx >= len(c.Args) {
		return ""
	}
	return strings.Join(c.Args[idx:], " ")
}

// OK formats a single-line success response: "OK: <msg>".
func OK(msg string) string { return "OK: " + msg }

// OKf formats a single-line success response with printf-style arguments.
func OKf(format string, a ...any) string { return "OK: " + fmt.Sprintf(format, a...) }

// Err formats a single-line failure response: "ERR: <msg>".
func Err(msg string) string { return "ERR: " + msg }

// Errf formats a single-line failure response with printf-style arguments.
func Errf(format string, a ...any) string { return "ERR: " + fmt.Sprintf(format, a...) }

// UnauthenticatedCommands lists the command-stream verbs that do not require
// a leading session-token argument (spec §4.1).
var UnauthenticatedCommands = map[string]bool{
	"register":         true,
	"login":             true,
	"validate_session": true,
	"users":            true,
	"help":              true,
}

// ---------------------------------------------------------------------------
// Real-time stream — JSON objects, one per frame, each carrying a mandatory
// message_type tag (spec §4.1, §6).
// ---------------------------------------------------------------------------

// FrameType identifies the tagged real-time frame envelope.
type FrameType string

const (
	FrameAuth                FrameType = "auth"
	FrameAuthResponse        FrameType = "auth_response"
	FrameSendMessage         FrameType = "send_message"
	FrameIncomingMessage     FrameType = "incoming_message"
	FrameDeliveryConfirmation FrameType = "delivery_confirmation"
	FrameKickedOut           FrameType = "kicked_out"
)

// ChatType distinguishes private messages from group messages on the wire
// and inside the router (spec §4.4, §9 "sum type").
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// AuthFrame is the mandatory first client→server frame on a real-time
// socket (spec §4.1).
type AuthFrame struct {
	MessageType  FrameType `json:"message_type"`
	SessionToken string    `json:"session_token"`
}

// AuthResponseFrame is the terminal response to AuthFrame.
type AuthResponseFrame struct {
	MessageType FrameType `json:"message_type"`
	Success     bool      `json:"success"`
	UserID      string    `json:"user_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// SendMessageFrame is a client→server request to persist-and-fan-out a
// message (spec §4.4).
type SendMessageFrame struct {
	MessageType FrameType `json:"message_type"`
	ChatType    ChatType  `json:"chat_type"`
	ToUser      string    `json:"to_user,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	Content     string    `json:"content"`
}

// IncomingMessageFrame is the server→client delivery of a persisted message,
// echoed to every live session of sender and recipient(s) (spec §4.1).
type IncomingMessageFrame struct {
	MessageType FrameType `json:"message_type"`
	ChatType    ChatType  `json:"chat_type"`
	From        string    `json:"from"`
	To          string    `json:"to,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// KickedOutFrame is the terminal server→client frame sent the instant the
// single-session invariant kicks this connection (spec §4.1, §8 scenario 1);
// the server closes the socket immediately after writing it.
type KickedOutFrame struct {
	MessageType FrameType `json:"message_type"`
}

// DeliveryConfirmationFrame is an optional server→client acknowledgement
// carrying the message id and delivered-at timestamp in milliseconds.
type DeliveryConfirmationFrame struct {
	MessageType FrameType `json:"message_type"`
	MessageID   string    `json:"message_id"`
	DeliveredAt int64     `json:"delivered_at"`
}

// DecodeMessageType peeks at the message_type field of a raw frame without
// fully decoding the payload, so the caller can dispatch to the right
// concrete struct.
func DecodeMessageType(raw []byte) (FrameType, error) {
	var tag struct {
		MessageType FrameType `json:"message_type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return "", err
	}
	return tag.MessageType, nil
}

// Encode marshals any of the frame structs above to JSON bytes.
func Encode(v any) ([]byte, error) { return json.Marshal(v) }
