package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channel is the pub/sub channel carrying cache invalidation messages
// between instances.
const Channel = "lattice.cache.invalidate"

// publishTimeout bounds the best-effort publish performed on the mutation
// path.
const publishTimeout = 2 * time.Second

// AllHolders is the HolderID sentinel for a full cache drop, used when a
// group mutates.
const AllHolders = "*"

// Message is published whenever a holder mutates. Every instance, including
// the publisher's own, drops the holder's local slots on receipt.
type Message struct {
	HolderID string `json:"holder_id"`
}

// Publisher sends cache invalidation messages via Valkey pub/sub.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a new invalidation publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// InvalidateHolder publishes an invalidation for all cached slots of a
// holder.
func (p *Publisher) InvalidateHolder(ctx context.Context, holderID string) error {
	data, err := json.Marshal(Message{HolderID: holderID})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	return p.client.Publish(ctx, Channel, data).Err()
}

// Subscriber listens for invalidation messages and drops local slots.
type Subscriber struct {
	manager *Manager
	client  *redis.Client
	log     zerolog.Logger
}

// NewSubscriber creates a new invalidation subscriber.
func NewSubscriber(manager *Manager, client *redis.Client, logger zerolog.Logger) *Subscriber {
	return &Subscriber{manager: manager, client: client, log: logger}
}

// Run subscribes to the invalidation channel and processes messages until
// the context is cancelled. It blocks and should be called in a goroutine.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *Subscriber) handle(payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.log.Warn().Err(err).Str("payload", payload).Msg("Invalid invalidation message")
		return
	}
	switch msg.HolderID {
	case "":
	case AllHolders:
		s.manager.InvalidateAll()
	default:
		s.manager.InvalidateHolder(msg.HolderID)
	}
}

// Fanout combines local invalidation with the pub/sub broadcast. It is the
// Invalidator handed to mutation paths: the local drop is synchronous (a
// mutation is not complete until its caller can no longer read stale data),
// the broadcast is best-effort.
type Fanout struct {
	Local *Manager
	Pub   *Publisher
	Log   zerolog.Logger
}

// InvalidateHolder drops local slots, then broadcasts to other instances. A
// group identifier escalates to a full drop, since group nodes may sit in
// any holder's resolved view.
func (f *Fanout) InvalidateHolder(id string) {
	if strings.HasPrefix(id, "group:") {
		f.Local.InvalidateAll()
		f.broadcast(AllHolders)
		return
	}
	f.Local.InvalidateHolder(id)
	f.broadcast(id)
}

func (f *Fanout) broadcast(id string) {
	if f.Pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := f.Pub.InvalidateHolder(ctx, id); err != nil {
		f.Log.Warn().Err(err).Str("holder", id).Msg("Invalidation broadcast failed")
	}
}
