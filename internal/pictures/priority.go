package pictures

import (
	"fmt"
	"sync"
	"time"

	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
)

// PriorityRequest tracks one request_priority_view. ID is the force_que_id
// the server assigned.
type PriorityRequest struct {
	ID          int
	RequestedAt time.Time
	Received    bool
	ReceivedAt  time.Time
	View        geo.View
	Urgent      bool
}

// PriorityQueue keeps priority requests in the order they were made. Entries
// are never reordered; Received flips at most once per entry.
type PriorityQueue struct {
	mu    sync.Mutex
	items []PriorityRequest
	now   func() time.Time
}

func NewPriorityQueue(now func() time.Time) *PriorityQueue {
	if now == nil {
		now = time.Now
	}
	return &PriorityQueue{now: now}
}

// Add appends req, stamping RequestedAt when it is unset.
func (q *PriorityQueue) Add(req PriorityRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = q.now()
	}
	req.Received = false
	req.ReceivedAt = time.Time{}
	q.items = append(q.items, req)
}

// MarkReceived flags the first pending entry with id as received. It reports
// false when no such entry is waiting.
func (q *PriorityQueue) MarkReceived(id int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id || q.items[i].Received {
			continue
		}
		q.items[i].Received = true
		q.items[i].ReceivedAt = q.now()
		return true
	}
	return false
}

func (q *PriorityQueue) Remove(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.items) {
		return fmt.Errorf("pictures: priority index %d out of range [0, %d)", index, len(q.items))
	}
	q.items = append(q.items[:index], q.items[index+1:]...)
	return nil
}

func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

func (q *PriorityQueue) List() []PriorityRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PriorityRequest(nil), q.items...)
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending counts entries still waiting for their picture.
func (q *PriorityQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if !item.Received {
			n++
		}
	}
	return n
}
