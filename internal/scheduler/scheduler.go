// Package scheduler provides the periodic tick source that drives every component.
// Nothing subscribed here runs concurrently: Step invokes callbacks one after another
// on the caller's goroutine.
package scheduler

import (
	"context"
	"time"
)

// Scheduler hands out periodic callbacks. interval 0 means every step.
type Scheduler interface {
	Subscribe(fn func(dt time.Duration), interval time.Duration) (unsubscribe func())
}

type subscription struct {
	id       int
	fn       func(dt time.Duration)
	interval time.Duration
	elapsed  time.Duration
	active   bool
}

// Loop is the in-process Scheduler. The owning application advances it with Step or Run.
type Loop struct {
	subs   []*subscription
	nextID int
	posted []func()
}

func NewLoop() *Loop {
	return &Loop{}
}

func (l *Loop) Subscribe(fn func(dt time.Duration), interval time.Duration) func() {
	sub := &subscription{id: l.nextID, fn: fn, interval: interval, active: true}
	l.nextID++
	l.subs = append(l.subs, sub)
	return func() {
		if !sub.active {
			return
		}
		sub.active = false
		for i, s := range l.subs {
			if s == sub {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				break
			}
		}
	}
}

// Post queues fn to run at the start of the next Step.
func (l *Loop) Post(fn func()) {
	l.posted = append(l.posted, fn)
}

// Step advances time by dt. A subscriber fires with the time accumulated since it last fired.
func (l *Loop) Step(dt time.Duration) {
	posted := l.posted
	l.posted = nil
	for _, fn := range posted {
		fn()
	}

	subs := make([]*subscription, len(l.subs))
	copy(subs, l.subs)
	for _, sub := range subs {
		if !sub.active {
			continue
		}
		sub.elapsed += dt
		if sub.elapsed < sub.interval {
			continue
		}
		elapsed := sub.elapsed
		sub.elapsed = 0
		sub.fn(elapsed)
	}
}

// Len reports the number of live subscriptions.
func (l *Loop) Len() int {
	return len(l.subs)
}

// Run steps the loop every frame until ctx is done. inbox carries work from other
// goroutines onto the loop goroutine.
func (l *Loop) Run(ctx context.Context, frame time.Duration, inbox <-chan func()) error {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-inbox:
			fn()
		case now := <-ticker.C:
			l.Step(now.Sub(last))
			last = now
		}
	}
}
