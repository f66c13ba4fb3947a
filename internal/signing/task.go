package signing

import (
	"sync"
	"time"
)

// Task is a cancellable periodic job with a built-in max-duration watchdog.
// The watchdog bounds resource usage if the owner never calls Cancel.
type Task struct {
	cancel chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Every runs fn on the given interval until Cancel is called or maxDuration
// elapses. A maxDuration of zero disables the watchdog.
func Every(interval, maxDuration time.Duration, fn func()) *Task {
	t := &Task{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	var watchdog <-chan time.Time
	if maxDuration > 0 {
		watchdog = time.After(maxDuration)
	}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.cancel:
				return
			case <-watchdog:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return t
}

// Cancel stops the task. Safe to call more than once and from any goroutine.
func (t *Task) Cancel() {
	t.once.Do(func() { close(t.cancel) })
	<-t.done
}

// Done reports whether the task has stopped, either by Cancel or watchdog.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
