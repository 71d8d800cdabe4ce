package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"teamchat/internal/realtime"
)

// channelEvent is the record payload: a committed event plus its target
// channel, keyed by channel id so per-channel ordering survives the topic.
type channelEvent struct {
	ChannelID string          `json:"channel_id"`
	Event     *realtime.Event `json:"event"`
}

// Publisher routes committed channel events through a Kafka topic so every
// service instance, not just the one that handled the write, fans them out
// to its own connections. Implements realtime.EventPublisher.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher builds a publisher over the given brokers and topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

// PublishToChannel appends the event to the topic, keyed by channel.
func (p *Publisher) PublishToChannel(ctx context.Context, channelID string, event *realtime.Event) error {
	value, err := json.Marshal(channelEvent{ChannelID: channelID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal channel event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channelID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", p.writer.Topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// decodeRecord parses one topic record. A record missing its channel or its
// event body is malformed; relaying it would hand the broadcaster nothing to
// deliver, so it is rejected here.
func decodeRecord(value []byte) (channelEvent, error) {
	var ce channelEvent
	if err := json.Unmarshal(value, &ce); err != nil {
		return ce, err
	}
	if ce.ChannelID == "" {
		return ce, errors.New("missing channel id")
	}
	if ce.Event == nil {
		return ce, errors.New("missing event")
	}
	return ce, nil
}

// Relay consumes the topic and feeds each event into the local broadcaster.
type Relay struct {
	reader *kafka.Reader
	hub    *realtime.Hub
	logger *slog.Logger
}

// NewRelay builds a consumer-group relay over the given brokers and topic.
func NewRelay(brokers []string, topic, groupID string, hub *realtime.Hub, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			CommitInterval: time.Second,
		}),
		hub:    hub,
		logger: logger,
	}
}

// Run consumes until ctx is cancelled. A malformed record is logged and
// skipped; it never stops the relay.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read %s: %w", r.reader.Config().Topic, err)
		}

		ce, err := decodeRecord(msg.Value)
		if err != nil {
			r.logger.Error("malformed relay record",
				"topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		r.hub.DeliverToChannel(ce.ChannelID, ce.Event)
	}
}

// Close closes the reader.
func (r *Relay) Close() error {
	return r.reader.Close()
}
