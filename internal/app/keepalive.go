package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Keepalive calls tick once per period until stopped.
type Keepalive struct {
	period time.Duration
	tick   func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKeepalive(period time.Duration, tick func()) *Keepalive {
	return &Keepalive{period: period, tick: tick}
}

// Start launches the ticker goroutine. Starting a running keepalive is a
// no-op.
func (k *Keepalive) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.loop(ctx, k.done)
	log.Info().Str("module", "app.keepalive").Dur("period", k.period).Msg("keepalive started")
}

func (k *Keepalive) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(k.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			k.tick()
		}
	}
}

// Stop cancels the ticker and waits for the goroutine to exit. No tick runs
// after Stop returns.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("module", "app.keepalive").Msg("keepalive stopped")
}

func (k *Keepalive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancel != nil
}
