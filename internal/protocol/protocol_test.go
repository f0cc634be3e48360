package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseCommands(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"auth","token":"abc.def.ghi"}`))
	if err != nil {
		t.Fatalf("parse auth: %v", err)
	}
	if cmd.Type != CmdAuth || cmd.Token != "abc.def.ghi" {
		t.Fatalf("unexpected auth command: %+v", cmd)
	}

	cmd, err = Parse([]byte(`{"type":"chat","room":"lobby-1","text":"hello"}`))
	if err != nil {
		t.Fatalf("parse chat: %v", err)
	}
	if cmd.Type != CmdChat || cmd.Room != "lobby-1" || cmd.Text != "hello" {
		t.Fatalf("unexpected chat command: %+v", cmd)
	}

	cmd, err = Parse([]byte(`{"type":"join","room":"lobby-1"}`))
	if err != nil || cmd.Type != CmdJoin || cmd.Room != "lobby-1" {
		t.Fatalf("unexpected join result: %+v err=%v", cmd, err)
	}

	cmd, err = Parse([]byte(`{"type":"leave","room":"lobby-1"}`))
	if err != nil || cmd.Type != CmdLeave {
		t.Fatalf("unexpected leave result: %+v err=%v", cmd, err)
	}

	cmd, err = Parse([]byte(`{"type":"ping"}`))
	if err != nil || cmd.Type != CmdPing {
		t.Fatalf("unexpected ping result: %+v err=%v", cmd, err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte(`not json at all`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}

	cmd, err := Parse([]byte(`{"type":"teleport","room":"x"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if cmd.Type != CmdUnknown {
		t.Fatalf("expected CmdUnknown, got %q", cmd.Type)
	}

	if _, err := Parse([]byte(`{"type":"chat","room":"lobby-1"}`)); !errors.Is(err, ErrFieldMissing) {
		t.Fatalf("expected ErrFieldMissing for chat without text, got %v", err)
	}
	if _, err := Parse([]byte(`{"type":"join"}`)); !errors.Is(err, ErrFieldMissing) {
		t.Fatalf("expected ErrFieldMissing for join without room, got %v", err)
	}
	if _, err := Parse([]byte(`{"type":"auth"}`)); !errors.Is(err, ErrFieldMissing) {
		t.Fatalf("expected ErrFieldMissing for auth without token, got %v", err)
	}
}

func TestParseEnforcesLimits(t *testing.T) {
	longRoom := strings.Repeat("r", maxRoomLen+1)
	payload := `{"type":"join","room":"` + longRoom + `"}`
	if _, err := Parse([]byte(payload)); !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong for long room, got %v", err)
	}

	longText := strings.Repeat("x", maxTextLen+1)
	payload = `{"type":"chat","room":"lobby","text":"` + longText + `"}`
	if _, err := Parse([]byte(payload)); !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong for long text, got %v", err)
	}
}

func TestEncodeFrames(t *testing.T) {
	decode := func(raw []byte) map[string]interface{} {
		t.Helper()
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("frame is not valid JSON: %v", err)
		}
		return m
	}

	m := decode(EncodeWelcome("sess-1", "user-9", "Niner"))
	if m["type"] != "welcome" || m["session_id"] != "sess-1" || m["user"] != "user-9" {
		t.Fatalf("unexpected welcome frame: %v", m)
	}

	ts := time.UnixMilli(1700000000000)
	m = decode(EncodeChat("lobby", "user-9", "Niner", "hi", ts))
	if m["type"] != "chat" || m["room"] != "lobby" || m["text"] != "hi" {
		t.Fatalf("unexpected chat frame: %v", m)
	}
	if int64(m["ts"].(float64)) != 1700000000000 {
		t.Fatalf("chat timestamp not millisecond epoch: %v", m["ts"])
	}

	m = decode(EncodePong())
	if m["type"] != "pong" {
		t.Fatalf("unexpected pong frame: %v", m)
	}

	m = decode(EncodeErrorFrame(CodeNotInRoom, "join first"))
	if m["type"] != "error" || m["code"] != CodeNotInRoom {
		t.Fatalf("unexpected error frame: %v", m)
	}

	m = decode(EncodeBye("shutting_down"))
	if m["type"] != "bye" || m["reason"] != "shutting_down" {
		t.Fatalf("unexpected bye frame: %v", m)
	}
}
