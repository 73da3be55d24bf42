package httpjob

import "container/heap"

// Job is one inbound HTTP fetch request, keyed by the nanosecond timestamp
// it was enqueued at — spec.md §3 HttpJob's priority_key, reproducing
// original_source/job_processor.py's queue.PriorityQueue tuple
// (str(time.time_ns())[:14], key, url).
type Job struct {
	PriorityKey int64
	JobKey      string
	URL         string
}

type jobHeap []Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].PriorityKey < h[j].PriorityKey }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}

// Queue is a FIFO-by-arrival priority queue of Jobs. No pack example
// implements a priority queue; container/heap is the idiomatic Go stdlib
// answer here, the same way job_processor.py reaches for Python's own
// stdlib queue.PriorityQueue.
type Queue struct {
	h jobHeap
}

// Push adds a job to the queue.
func (q *Queue) Push(j Job) {
	heap.Push(&q.h, j)
}

// Pop removes and returns the lowest-priority-key (earliest-enqueued) job.
// ok is false if the queue is empty.
func (q *Queue) Pop() (Job, bool) {
	if len(q.h) == 0 {
		return Job{}, false
	}
	return heap.Pop(&q.h).(Job), true
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	return len(q.h)
}
