// Package throttle provides a trailing-edge debounced callback: repeated
// Notify calls within the interval restart the timer, and the callback runs
// once after the calls stop.
package throttle

import (
	"context"
	"time"
)

// Notifier debounces Notify calls into single callback invocations. The
// callback reads whatever state is current when it fires, so it always
// sees the latest state. Safe for concurrent use.
type Notifier struct {
	interval time.Duration
	callback func()
	notify   chan struct{}
	flush    chan struct{}
	stop     context.CancelFunc
	done     chan struct{}
}

// New starts a debounce loop bound to ctx. The loop ends when ctx is
// canceled or Stop is called; a pending callback is fired on the way out.
func New(ctx context.Context, interval time.Duration, callback func()) *Notifier {
	if callback == nil {
		panic("throttle: nil callback")
	}

	ctx, cancel := context.WithCancel(ctx)

	n := &Notifier{
		interval: interval,
		callback: callback,
		notify:   make(chan struct{}, 1),
		flush:    make(chan struct{}, 1),
		stop:     cancel,
		done:     make(chan struct{}),
	}

	go n.loop(ctx)

	return n
}

// Notify requests a callback after the next quiet period.
func (n *Notifier) Notify() {
	select {
	case n.notify <- struct{}{}:
	default:
		// Already signaled; the loop hasn't consumed it yet.
	}
}

// Flush fires a pending callback immediately instead of waiting out the
// interval. No-op when nothing is pending.
func (n *Notifier) Flush() {
	select {
	case n.flush <- struct{}{}:
	default:
	}
}

// Stop ends the loop and waits for it to exit.
func (n *Notifier) Stop() {
	n.stop()
	<-n.done
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)

	timer := time.NewTimer(n.interval)
	timer.Stop() // idle until the first Notify
	defer timer.Stop()

	pending := false

	for {
		select {
		case <-ctx.Done():
			if pending || n.drainNotify() {
				n.callback()
			}

			return

		case <-n.notify:
			// Go 1.23+ timers: Reset discards any stale expiry.
			timer.Reset(n.interval)
			pending = true

		case <-n.flush:
			if !pending && !n.drainNotify() {
				continue
			}

			timer.Stop()
			pending = false
			n.callback()

		case <-timer.C:
			pending = false
			n.callback()
		}
	}
}

// drainNotify consumes a queued signal the loop has not seen yet.
func (n *Notifier) drainNotify() bool {
	select {
	case <-n.notify:
		return true
	default:
		return false
	}
}
