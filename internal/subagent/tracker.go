package subagent

import "sync"

// tracker hands terminal task snapshots to goroutines blocked in Wait.
type tracker[P any] struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[string]map[uint64]chan Task[P]
}

func newTracker[P any]() *tracker[P] {
	return &tracker[P]{pending: make(map[string]map[uint64]chan Task[P])}
}

// register returns a channel that receives the task once it is terminal and
// a function that withdraws the registration.
func (t *tracker[P]) register(taskID string) (<-chan Task[P], func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	ch := make(chan Task[P], 1)
	if t.pending[taskID] == nil {
		t.pending[taskID] = make(map[uint64]chan Task[P])
	}
	t.pending[taskID][id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if waiters, ok := t.pending[taskID]; ok {
			delete(waiters, id)
			if len(waiters) == 0 {
				delete(t.pending, taskID)
			}
		}
	}
}

func (t *tracker[P]) notify(task Task[P]) {
	t.mu.Lock()
	waiters := t.pending[task.ID]
	delete(t.pending, task.ID)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- task
	}
}

func (t *tracker[P]) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, waiters := range t.pending {
		n += len(waiters)
	}
	return n
}
