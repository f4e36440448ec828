package gateway

import (
	"sync"

	"github.com/harun/conductor/pkg/background"
)

// taskFeedSize bounds the snapshots queued for one client. Every snapshot is
// the full task list, so dropping the oldest queued one loses no state.
const taskFeedSize = 16

// taskFeed decouples coordinator notifications from one client's websocket.
// The coordinator only enqueues; a per-client goroutine writes in order.
type taskFeed struct {
	queue chan []background.Task
	done  chan struct{}
	first chan struct{}

	firstOnce   sync.Once
	stopOnce    sync.Once
	unsubscribe func()
}

func newTaskFeed() *taskFeed {
	return &taskFeed{
		queue: make(chan []background.Task, taskFeedSize),
		done:  make(chan struct{}),
		first: make(chan struct{}),
	}
}

// push is the coordinator listener. It never blocks.
func (f *taskFeed) push(tasks []background.Task) {
	for {
		select {
		case <-f.done:
			return
		case f.queue <- tasks:
			return
		default:
		}
		select {
		case <-f.queue:
		default:
		}
	}
}

// run writes queued snapshots until the feed stops or a write fails
func (f *taskFeed) run(send func([]background.Task) error, onError func(error)) {
	defer f.firstOnce.Do(func() { close(f.first) })

	for {
		select {
		case <-f.done:
			return
		case tasks := <-f.queue:
			err := send(tasks)
			f.firstOnce.Do(func() { close(f.first) })
			if err != nil {
				onError(err)
				return
			}
		}
	}
}

// stop detaches the feed from the coordinator and ends its writer
func (f *taskFeed) stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.unsubscribe != nil {
			f.unsubscribe()
		}
	})
}
