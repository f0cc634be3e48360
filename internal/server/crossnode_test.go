package server

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lobbyrelay/lobbyrelay/internal/relay"
)

// Two engines sharing one broker stand in for two fleet instances. A message
// sent through one must reach matching rooms on the other exactly once.
func TestCrossNodeChatDelivery(t *testing.T) {
	bus := relay.NewMemoryBus()
	nodeA := startEngine(t, bus, "node-a", nil)
	nodeB := startEngine(t, bus, "node-b", nil)

	sender := dial(t, nodeA.url, nil)
	remote := dial(t, nodeB.url, nil)
	bystander := dial(t, nodeB.url, nil)

	authenticate(t, sender, "user-1")
	authenticate(t, remote, "user-2")
	authenticate(t, bystander, "user-3")

	send(t, sender, `{"type":"join","room":"lobby"}`)
	send(t, remote, `{"type":"join","room":"lobby"}`)
	send(t, bystander, `{"type":"join","room":"backstage"}`)
	waitFor(t, func() bool { return len(nodeA.reg.SessionsIn("lobby")) == 1 }, "sender joined on node-a")
	waitFor(t, func() bool { return len(nodeB.reg.SessionsIn("lobby")) == 1 }, "remote joined on node-b")

	send(t, sender, `{"type":"chat","room":"lobby","text":"across the fleet"}`)

	echo := readFrame(t, sender)
	if echo["type"] != "chat" || echo["text"] != "across the fleet" {
		t.Fatalf("unexpected echo: %v", echo)
	}

	got := readFrame(t, remote)
	if got["type"] != "chat" || got["text"] != "across the fleet" || got["from"] != "user-1" {
		t.Fatalf("unexpected remote delivery: %v", got)
	}

	// Exactly once: no duplicate for the sender when the event loops back
	// through the broker, and nothing for rooms that did not match.
	assertNoFrame(t, sender)
	assertNoFrame(t, remote)
	assertNoFrame(t, bystander)
}

func TestCrossNodeOrderingPerRoom(t *testing.T) {
	bus := relay.NewMemoryBus()
	nodeA := startEngine(t, bus, "node-a", nil)
	nodeB := startEngine(t, bus, "node-b", nil)

	sender := dial(t, nodeA.url, nil)
	remote := dial(t, nodeB.url, nil)

	authenticate(t, sender, "user-1")
	authenticate(t, remote, "user-2")
	send(t, sender, `{"type":"join","room":"lobby"}`)
	send(t, remote, `{"type":"join","room":"lobby"}`)
	waitFor(t, func() bool { return len(nodeB.reg.SessionsIn("lobby")) == 1 }, "remote joined")

	for _, text := range []string{"first", "second", "third"} {
		send(t, sender, `{"type":"chat","room":"lobby","text":"`+text+`"}`)
	}

	for _, want := range []string{"first", "second", "third"} {
		got := readFrame(t, remote)
		if got["text"] != want {
			t.Fatalf("out of order delivery: want %q, got %v", want, got)
		}
	}
}

func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", raw)
	}
}
