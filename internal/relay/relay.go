// Package relay shares public document broadcasts between server nodes over
// Redis pub/sub. Presence itself stays local to each node; only the frames
// already published to local subscribers travel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/cellsync/internal/metrics"
	"github.com/manpreetbhatti/cellsync/internal/protocol"
)

const (
	DefaultChannel = "cellsync:broadcast"

	outboxSize = 4096
)

// Deliverer hands a frame to this node's local subscribers.
type Deliverer interface {
	Deliver(topic protocol.Topic, documentID string, frame []byte)
}

type envelope struct {
	Node     string          `json:"node"`
	Topic    protocol.Topic  `json:"topic"`
	Document string          `json:"document"`
	Frame    json.RawMessage `json:"frame"`
}

type Relay struct {
	client  *redis.Client
	channel string
	nodeID  string
	local   Deliverer
	outbox  chan envelope
}

func New(client *redis.Client, channel string, local Deliverer) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		local:   local,
		outbox:  make(chan envelope, outboxSize),
	}
}

// Forward queues a locally published frame for the other nodes. It never
// blocks; when the outbox is full the frame is only delivered locally.
func (r *Relay) Forward(topic protocol.Topic, documentID string, frame []byte) {
	select {
	case r.outbox <- envelope{Node: r.nodeID, Topic: topic, Document: documentID, Frame: frame}:
	default:
		log.Warn().Str("document", documentID).Msg("Relay outbox full, frame stays local")
	}
}

// Run publishes queued frames and delivers frames from other nodes until
// ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	log.Info().Str("channel", r.channel).Str("node", r.nodeID).Msg("Relay subscribed")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case env := <-r.outbox:
			if err := r.publish(ctx, env); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("document", env.Document).Msg("Relay publish failed")
			}

		case msg, ok := <-messages:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *Relay) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return err
	}
	metrics.RecordRelay("out")
	return nil
}

func (r *Relay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Warn().Err(err).Msg("Relay dropped malformed message")
		return
	}
	if env.Node == r.nodeID {
		return
	}
	if !env.Topic.Public() || env.Document == "" {
		return
	}

	metrics.RecordRelay("in")
	r.local.Deliver(env.Topic, env.Document, env.Frame)
}
