package webchat

import (
	"sync"

	"github.com/pkg/errors"
)

var errLoopClosed = errors.New("event loop closed")

// eventLoop runs posted tasks one at a time, in post order, on a single goroutine.
// Everything that mutates channel state runs here.
type eventLoop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newEventLoop(buffer int) *eventLoop {
	if buffer <= 0 {
		buffer = 256
	}
	l := &eventLoop{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.tasks:
			select {
			case <-l.quit:
				return
			default:
			}
			fn()
		}
	}
}

// Post queues fn. It reports false when the loop is closed and fn was dropped.
// Post must not be called from the loop goroutine while the queue may be full.
func (l *eventLoop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case <-l.quit:
		return false
	case l.tasks <- fn:
		return true
	}
}

// Call runs fn on the loop and waits for it. Never call it from the loop goroutine.
func (l *eventLoop) Call(fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return errLoopClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return errLoopClosed
	}
}

// Close stops the loop. Tasks still queued are dropped. Close waits for the running task.
func (l *eventLoop) Close() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
