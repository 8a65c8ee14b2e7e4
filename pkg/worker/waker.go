package worker

import (
	"context"
	"time"
)

// TimerWaker polls: it waits the full interval unless ctx ends first.
type TimerWaker struct{}

func (TimerWaker) Wait(ctx context.Context, max time.Duration) {
	t := time.NewTimer(max)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ChanWaker wakes a slot whenever Notify is called. It lets a process that
// enqueues locally skip the poll delay.
type ChanWaker struct{ ch chan struct{} }

func NewChanWaker(slots int) *ChanWaker {
	if slots < 1 {
		slots = 1
	}
	return &ChanWaker{ch: make(chan struct{}, slots)}
}

func (w *ChanWaker) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *ChanWaker) Wait(ctx context.Context, max time.Duration) {
	t := time.NewTimer(max)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.ch:
	case <-t.C:
	}
}

// ScheduleRetry wakes a slot once delay has passed.
func (w *ChanWaker) ScheduleRetry(_ context.Context, _ string, delay time.Duration) error {
	time.AfterFunc(delay, w.Notify)
	return nil
}
