// Package relay bridges local lobby sessions and the external ordered
// publish/subscribe broker, fanning chat events out across the fleet.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ChatEvent is the unit of cross-instance relay. OriginNode and OriginSession
// exist solely so a node can skip re-delivering an event to the session that
// produced it when the event loops back through the broker.
type ChatEvent struct {
	Room          string    `json:"room"`
	SenderID      string    `json:"sender"`
	SenderName    string    `json:"sender_name,omitempty"`
	Text          string    `json:"text"`
	SentAt        time.Time `json:"sent_at"`
	OriginNode    string    `json:"origin_node"`
	OriginSession string    `json:"origin_session"`
}

// Marshal renders the broker payload.
func (ev ChatEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal chat event: %w", err)
	}
	return data, nil
}

// UnmarshalEvent parses a broker payload.
func UnmarshalEvent(data []byte) (ChatEvent, error) {
	var ev ChatEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChatEvent{}, fmt.Errorf("unmarshal chat event: %w", err)
	}
	return ev, nil
}

// Broker is the engine's view of the external log service. Consume blocks
// until an event arrives, the context is canceled, or the broker fails.
type Broker interface {
	Publish(ctx context.Context, ev ChatEvent) error
	Consume(ctx context.Context) (ChatEvent, error)
	Close() error
}

// Target is one locally registered session the relay can deliver to.
// Implementations must not block: delivery lands on a bounded queue and
// backpressure is the session's own concern.
type Target interface {
	SessionID() string
	Deliver(ev ChatEvent)
	DeliverFailure(ev ChatEvent, err error)
}

// Lookup resolves current local room membership for fan-out.
type Lookup interface {
	SessionsIn(room string) []Target
}
