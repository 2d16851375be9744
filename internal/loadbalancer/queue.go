package loadbalancer

import (
	"container/heap"
	"time"

	"github.com/squirtgunhero/marketplace-core/internal/store"
)

// QueuedJob mirrors a Job that is AVAILABLE or awaiting requeue
// (spec.md section 3).
type QueuedJob struct {
	JobID                string
	Priority             store.Priority
	GPUMemoryRequired    int64
	RequiresGPU          bool
	EstimatedDurationSec int64
	TimeoutSec           int64
	CreatedAt            time.Time
	RetryCount           int
	MaxRetries           int

	index int // heap bookkeeping
}

// priorityQueue is a container/heap.Interface ordered by (-priority,
// created_at): highest priority first, FIFO within a priority.
type priorityQueue []*QueuedJob

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*QueuedJob)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// jobHeap is a thin wrapper exposing Push/Pop/Len/Snapshot over the
// container/heap priorityQueue, grounded on the same heap-backed queue
// shape used elsewhere in the retrieved corpus for priority scheduling.
type jobHeap struct {
	pq priorityQueue
}

func newJobHeap() *jobHeap {
	h := &jobHeap{}
	heap.Init(&h.pq)
	return h
}

func (h *jobHeap) Push(j *QueuedJob) {
	heap.Push(&h.pq, j)
}

func (h *jobHeap) Pop() *QueuedJob {
	if h.pq.Len() == 0 {
		return nil
	}
	return heap.Pop(&h.pq).(*QueuedJob)
}

func (h *jobHeap) Len() int { return h.pq.Len() }

// Snapshot returns every queued job without mutating the heap, used for
// admin stats reporting.
func (h *jobHeap) Snapshot() []*QueuedJob {
	out := make([]*QueuedJob, len(h.pq))
	copy(out, h.pq)
	return out
}
