package connection

import "sync"

// executor serializes work onto one logical thread of control. The first
// caller becomes the drainer and runs queued jobs to completion; re-entrant
// and concurrent submissions are appended and run in the same drain loop
// instead of interleaving into the job that submitted them.
//
// This gives the sequencer the cooperative single-threaded scheduling it
// requires while push deliveries and timer callbacks arrive from arbitrary
// goroutines.
type executor struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (e *executor) Do(f func()) {
	e.mu.Lock()
	e.queue = append(e.queue, f)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		next()
	}
}
