// Package protocol defines the field-tagged text frames exchanged with lobby
// clients and the parser that turns untrusted inbound frames into typed
// commands. Parsing is pure; all dispatch side effects happen after it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandType discriminates inbound frames.
type CommandType string

const (
	CmdAuth    CommandType = "auth"
	CmdChat    CommandType = "chat"
	CmdJoin    CommandType = "join"
	CmdLeave   CommandType = "leave"
	CmdPing    CommandType = "ping"
	CmdUnknown CommandType = "unknown"
)

const (
	maxRoomLen = 64
	maxTextLen = 1024
)

// Parse errors are protocol-level user errors: the session reports them back
// to the client and keeps the connection open.
var (
	ErrBadPayload   = errors.New("malformed frame payload")
	ErrUnknownType  = errors.New("unknown frame type")
	ErrFieldMissing = errors.New("required field missing")
	ErrFieldTooLong = errors.New("field exceeds limit")
)

// Command is the typed result of parsing one inbound frame.
type Command struct {
	Type  CommandType
	Room  string
	Text  string
	Token string
}

type envelope struct {
	Type  string `json:"type"`
	Room  string `json:"room,omitempty"`
	Text  string `json:"text,omitempty"`
	Token string `json:"token,omitempty"`
}

// Parse deserializes a raw frame into exactly one Command or an error.
// It never panics on untrusted input.
func Parse(raw []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{Type: CmdUnknown}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch CommandType(env.Type) {
	case CmdAuth:
		if env.Token == "" {
			return Command{Type: CmdAuth}, fmt.Errorf("%w: token", ErrFieldMissing)
		}
		return Command{Type: CmdAuth, Token: env.Token}, nil
	case CmdChat:
		if env.Room == "" || env.Text == "" {
			return Command{Type: CmdChat}, fmt.Errorf("%w: room and text", ErrFieldMissing)
		}
		if len(env.Room) > maxRoomLen || len(env.Text) > maxTextLen {
			return Command{Type: CmdChat}, ErrFieldTooLong
		}
		return Command{Type: CmdChat, Room: env.Room, Text: env.Text}, nil
	case CmdJoin, CmdLeave:
		if env.Room == "" {
			return Command{Type: CommandType(env.Type)}, fmt.Errorf("%w: room", ErrFieldMissing)
		}
		if len(env.Room) > maxRoomLen {
			return Command{Type: CommandType(env.Type)}, ErrFieldTooLong
		}
		return Command{Type: CommandType(env.Type), Room: env.Room}, nil
	case CmdPing:
		return Command{Type: CmdPing}, nil
	default:
		return Command{Type: CmdUnknown}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Error codes reported to clients. Fatal codes close the connection.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeProtocolError    = "PROTOCOL_ERROR"
	CodeNotInRoom        = "NOT_IN_ROOM"
	CodeRelayUnavailable = "RELAY_UNAVAILABLE"
	CodeBackpressure     = "BACKPRESSURE"
)

// WireError maps an application-level failure to an error frame. Non-fatal
// errors keep the session open.
type WireError struct {
	Code  string
	Msg   string
	Fatal bool
}

func (e *WireError) Error() string {
	return e.Msg
}

type welcomeFrame struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	User        string `json:"user"`
	DisplayName string `json:"display_name,omitempty"`
}

type chatFrame struct {
	Type        string `json:"type"`
	Room        string `json:"room"`
	From        string `json:"from"`
	DisplayName string `json:"display_name,omitempty"`
	Text        string `json:"text"`
	TS          int64  `json:"ts"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type byeFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// EncodeWelcome is sent once, immediately after authentication succeeds.
func EncodeWelcome(sessionID, userID, displayName string) []byte {
	return encode(welcomeFrame{Type: "welcome", SessionID: sessionID, User: userID, DisplayName: displayName})
}

// EncodeChat renders a relayed chat event for delivery to one client.
func EncodeChat(room, from, displayName, text string, ts time.Time) []byte {
	return encode(chatFrame{Type: "chat", Room: room, From: from, DisplayName: displayName, Text: text, TS: ts.UnixMilli()})
}

// EncodePong answers a ping command.
func EncodePong() []byte {
	return encode(pongFrame{Type: "pong"})
}

// EncodeErrorFrame reports a recoverable or fatal error to the client.
func EncodeErrorFrame(code, message string) []byte {
	return encode(errorFrame{Type: "error", Code: code, Message: message})
}

// EncodeBye announces an orderly server-side close.
func EncodeBye(reason string) []byte {
	return encode(byeFrame{Type: "bye", Reason: reason})
}

func encode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Frames are plain structs of strings and ints; this cannot fail.
		panic(fmt.Sprintf("encode frame: %v", err))
	}
	return data
}
