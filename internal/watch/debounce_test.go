package watch

import (
	"context"
	"testing"
	"time"
)

func collectSettles(t *testing.T, out <-chan SettleSignal, window time.Duration) int {
	t.Helper()
	count := 0
	deadline := time.After(4 * window)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return count
			}
			count++
		case <-deadline:
			return count
		}
	}
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	const window = 150 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Event)
	out := NewDebouncer(window).Run(ctx, in)

	// A burst of events arriving faster than the window must produce
	// exactly one settle signal, after the final event.
	go func() {
		for i := 0; i < 5; i++ {
			in <- Event{Path: "a.txt", Op: OpModified, Time: time.Now()}
			time.Sleep(window / 5)
		}
		close(in)
	}()

	if got := collectSettles(t, out, window); got != 1 {
		t.Fatalf("expected 1 settle signal, got %d", got)
	}
}

func TestDebouncerNoSignalMidBurst(t *testing.T) {
	const window = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Event)
	out := NewDebouncer(window).Run(ctx, in)

	in <- Event{Path: "a.txt", Op: OpModified, Time: time.Now()}
	time.Sleep(window / 2)
	in <- Event{Path: "b.txt", Op: OpModified, Time: time.Now()}

	// Half a window after the second event the first window would have
	// expired; nothing may have been emitted yet.
	select {
	case <-out:
		t.Fatal("settle emitted while events were still arriving")
	case <-time.After(window / 2):
	}

	// After a full quiet window the signal arrives.
	select {
	case <-out:
	case <-time.After(2 * window):
		t.Fatal("no settle signal after quiet window elapsed")
	}

	close(in)
}

func TestDebouncerSeparateBursts(t *testing.T) {
	const window = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Event)
	out := NewDebouncer(window).Run(ctx, in)

	done := make(chan int)
	go func() {
		done <- collectSettles(t, out, 5*window)
	}()

	for burst := 0; burst < 2; burst++ {
		for i := 0; i < 3; i++ {
			in <- Event{Path: "a.txt", Op: OpModified, Time: time.Now()}
			time.Sleep(window / 4)
		}
		// Let the window expire between bursts.
		time.Sleep(2 * window)
	}
	close(in)

	if got := <-done; got != 2 {
		t.Fatalf("expected 2 settle signals for 2 bursts, got %d", got)
	}
}

func TestDebouncerCancellation(t *testing.T) {
	const window = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())

	in := make(chan Event)
	out := NewDebouncer(window).Run(ctx, in)

	in <- Event{Path: "a.txt", Op: OpModified, Time: time.Now()}
	cancel()

	// The output channel closes without emitting.
	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("settle emitted after cancellation")
		}
	case <-time.After(2 * window):
		t.Fatal("output channel not closed after cancellation")
	}
}

func TestDebouncerClosesWithInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Event)
	out := NewDebouncer(50 * time.Millisecond).Run(ctx, in)

	close(in)

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("unexpected settle from empty input")
		}
	case <-time.After(time.Second):
		t.Fatal("output channel not closed after input closed")
	}
}
