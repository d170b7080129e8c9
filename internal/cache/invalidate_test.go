package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/node"
)

func setupPubSub(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestPublisherInvalidateHolder(t *testing.T) {
	t.Parallel()
	rdb := setupPubSub(t)
	ctx := context.Background()
	pub := NewPublisher(rdb)

	sub := rdb.Subscribe(ctx, Channel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()

	id := "user:" + uuid.NewString()
	if err := pub.InvalidateHolder(ctx, id); err != nil {
		t.Fatalf("InvalidateHolder() error = %v", err)
	}

	select {
	case msg := <-ch:
		var m Message
		_ = json.Unmarshal([]byte(msg.Payload), &m)
		if m.HolderID != id {
			t.Errorf("published holder_id = %q, want %q", m.HolderID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for published message")
	}
}

func TestSubscriberHandleMalformed(t *testing.T) {
	t.Parallel()
	m := newManager(nil)
	u := holder.NewUser(uuid.New(), "bob")
	m.Get(u, node.ContextSet{})

	sub := NewSubscriber(m, nil, zerolog.Nop())
	sub.handle("not valid json")
	sub.handle("{}")

	if m.SlotCount() != 1 {
		t.Error("malformed or empty messages must not drop slots")
	}
}

func TestSubscriberRunReceivesAndInvalidates(t *testing.T) {
	t.Parallel()
	rdb := setupPubSub(t)
	m := newManager(nil)
	u := holder.NewUser(uuid.New(), "bob")
	m.Get(u, node.ContextSet{})

	sub := NewSubscriber(m, rdb, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx)
	}()

	// Give the subscriber time to connect.
	time.Sleep(100 * time.Millisecond)

	pub := NewPublisher(rdb)
	if err := pub.InvalidateHolder(ctx, u.Identifier()); err != nil {
		t.Fatalf("InvalidateHolder() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.SlotCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for subscriber to drop slots")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want nil or context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}
}

func TestFanoutInvalidatesLocallyWithoutPublisher(t *testing.T) {
	t.Parallel()
	m := newManager(nil)
	u := holder.NewUser(uuid.New(), "bob")
	m.Get(u, node.ContextSet{})

	f := &Fanout{Local: m, Log: zerolog.Nop()}
	f.InvalidateHolder(u.Identifier())
	if m.SlotCount() != 0 {
		t.Error("fanout should drop local slots even without a publisher")
	}
}

func TestFanoutGroupEscalatesToFullDrop(t *testing.T) {
	t.Parallel()
	m := newManager(nil)
	u := holder.NewUser(uuid.New(), "dave")
	m.Get(u, node.ContextSet{})

	f := &Fanout{Local: m, Log: zerolog.Nop()}
	f.InvalidateHolder("group:admin")
	if m.SlotCount() != 0 {
		t.Error("group invalidation should drop every local slot")
	}
}
