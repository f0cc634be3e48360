package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig wires the production broker client. One topic carries every
// room; the room name keys each message so per-room ordering follows the
// partition ordering guarantee.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	NodeID  string
}

// KafkaBroker adapts kafka-go to the Broker contract. Each node consumes
// with its own group id, so every node in the fleet observes every event.
type KafkaBroker struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

var _ Broker = (*KafkaBroker)(nil)

// NewKafkaBroker builds the writer/reader pair for one node.
func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  "lobbyd-" + cfg.NodeID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return &KafkaBroker{writer: writer, reader: reader}, nil
}

// Publish writes one event keyed by room.
func (k *KafkaBroker) Publish(ctx context.Context, ev ChatEvent) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Room),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Consume blocks for the next event on this node's subscription.
func (k *KafkaBroker) Consume(ctx context.Context) (ChatEvent, error) {
	msg, err := k.reader.ReadMessage(ctx)
	if err != nil {
		return ChatEvent{}, fmt.Errorf("kafka consume: %w", err)
	}
	return UnmarshalEvent(msg.Value)
}

// Close releases both ends of the client.
func (k *KafkaBroker) Close() error {
	werr := k.writer.Close()
	rerr := k.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
