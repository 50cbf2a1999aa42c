package watch

import (
	"context"
	"time"
)

// Debouncer coalesces bursts of change events into settle signals. The
// quiet window is measured from the last event seen, so no signal is
// emitted while events keep arriving faster than the window.
type Debouncer struct {
	window time.Duration
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Run consumes events until the input channel closes or the context is
// cancelled, emitting exactly one SettleSignal per burst once the quiet
// window elapses without a new event. The returned channel is closed when
// the consumer stops.
func (d *Debouncer) Run(ctx context.Context, in <-chan Event) <-chan SettleSignal {
	out := make(chan SettleSignal, 1)

	go func() {
		defer close(out)

		var timer *time.Timer
		var timerC <-chan time.Time

		stopTimer := func() {
			if timer != nil && !timer.Stop() {
				<-timerC
			}
			timer = nil
			timerC = nil
		}

		reset := func() {
			if timer == nil {
				timer = time.NewTimer(d.window)
				timerC = timer.C
				return
			}
			if !timer.Stop() {
				<-timerC
			}
			timer.Reset(d.window)
		}

		for {
			select {
			case <-ctx.Done():
				stopTimer()
				return

			case _, ok := <-in:
				if !ok {
					stopTimer()
					return
				}
				reset()

			case t := <-timerC:
				// An event racing the expiry counts as a reset,
				// never as a drop.
				select {
				case _, ok := <-in:
					if !ok {
						timer = nil
						timerC = nil
						return
					}
					timer.Reset(d.window)
					continue
				default:
				}

				timer = nil
				timerC = nil

				select {
				case out <- SettleSignal{Time: t}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
