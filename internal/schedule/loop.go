package schedule

import (
	"context"
	"sync"
	"time"
)

// Loop runs fn every interval until stopped or until the start context ends.
// The next run is scheduled only after the previous one returns, so runs never
// overlap.
type Loop struct {
	clock    Clock
	interval time.Duration
	fn       func(ctx context.Context)

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	timer      Timer
	stopOnDone func() bool
}

func NewLoop(clock Clock, interval time.Duration, fn func(ctx context.Context)) *Loop {
	if clock == nil {
		clock = RealClock{}
	}
	return &Loop{clock: clock, interval: interval, fn: fn}
}

func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.ctx = ctx
	l.timer = l.clock.AfterFunc(l.interval, l.tick)
	l.stopOnDone = context.AfterFunc(ctx, l.Stop)
}

func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.stopOnDone != nil {
		l.stopOnDone()
		l.stopOnDone = nil
	}
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) tick() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	ctx := l.ctx
	l.mu.Unlock()

	l.fn(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running && ctx.Err() == nil {
		l.timer = l.clock.AfterFunc(l.interval, l.tick)
	}
}
