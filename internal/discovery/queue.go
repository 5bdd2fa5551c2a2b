package discovery

import "sync"

// Queue is the candidate queue: FIFO ordering with set-based dedup. Multiple
// producers (event listeners, delayed re-adds) push; the processing job is the
// single consumer. Peek and Pop are separate so the consumer can keep a
// candidate at the head across retries and only pop on a final outcome.
type Queue struct {
	mu      sync.Mutex
	order   []Candidate
	members map[string]struct{}
}

func NewQueue() *Queue {
	return &Queue{members: make(map[string]struct{})}
}

// Add appends c unless an entry with the same file identity is already
// queued. It reports whether the candidate was added.
func (q *Queue) Add(c Candidate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.members[c.FileURL]; dup {
		return false
	}
	q.members[c.FileURL] = struct{}{}
	q.order = append(q.order, c)
	return true
}

// Peek returns the head candidate without removing it.
func (q *Queue) Peek() (Candidate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return Candidate{}, false
	}
	return q.order[0], true
}

// Pop removes and returns the head candidate.
func (q *Queue) Pop() (Candidate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return Candidate{}, false
	}
	c := q.order[0]
	q.order = q.order[1:]
	delete(q.members, c.FileURL)
	return c, true
}

// Remove deletes the candidate with the given file identity wherever it sits.
func (q *Queue) Remove(fileURL string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.members[fileURL]; !ok {
		return false
	}
	delete(q.members, fileURL)
	for i, c := range q.order {
		if c.FileURL == fileURL {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

func (q *Queue) Contains(fileURL string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.members[fileURL]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
