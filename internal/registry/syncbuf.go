package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Syncer runs a full reload from storage.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Pending is a handle to a sync pass that has been requested but may not
// have finished yet.
type Pending struct {
	done chan struct{}
	err  error
}

// Wait blocks until the sync pass completes or the context is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncBuffer coalesces sync requests. Requests arriving while a pass is in
// flight share a single follow-up pass instead of each triggering their
// own, so a burst of mutations causes at most two reloads.
type SyncBuffer struct {
	syncer Syncer
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	queued  *Pending
}

// NewSyncBuffer creates a buffer over the given syncer.
func NewSyncBuffer(syncer Syncer, logger zerolog.Logger) *SyncBuffer {
	return &SyncBuffer{syncer: syncer, log: logger}
}

// Request schedules a sync pass and returns a handle to wait on. When a
// pass is already running the request is attached to the next pass, which
// starts as soon as the current one finishes.
func (b *SyncBuffer) Request(ctx context.Context) *Pending {
	b.mu.Lock()
	if b.running {
		if b.queued == nil {
			b.queued = &Pending{done: make(chan struct{})}
		}
		p := b.queued
		b.mu.Unlock()
		return p
	}
	b.running = true
	p := &Pending{done: make(chan struct{})}
	b.mu.Unlock()

	// The pass outlives the requesting call (queued followers reuse the
	// goroutine), so detach it from the request's cancellation.
	go b.run(context.WithoutCancel(ctx), p)
	return p
}

// RequestDirect runs a sync pass inline, bypassing coalescing. Used where
// the caller must observe storage as of now, such as before an export.
func (b *SyncBuffer) RequestDirect(ctx context.Context) error {
	return b.syncer.Sync(ctx)
}

func (b *SyncBuffer) run(ctx context.Context, p *Pending) {
	for {
		p.err = b.syncer.Sync(ctx)
		if p.err != nil {
			b.log.Warn().Err(p.err).Msg("Sync pass failed")
		}
		close(p.done)

		b.mu.Lock()
		next := b.queued
		b.queued = nil
		if next == nil {
			b.running = false
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		p = next
	}
}
