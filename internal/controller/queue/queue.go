// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements an in-memory, priority-ordered job queue used by
// the embedded worker path and by tests that do not need a durable backend
// (spec.md §4.1). The durable queue is the database-backed
// backend.JobQueue; MemoryQueue exists alongside it for single-process runs
// and unit tests.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Enqueue and Dequeue once Close has been
// called.
var ErrQueueClosed = errors.New("queue: closed")

// Job is a unit of work held by MemoryQueue.
type Job struct {
	ID        string
	Inputs    map[string]any
	Priority  int
	CreatedAt time.Time
}

// MemoryQueue is a priority queue of *Job ordered by descending Priority,
// then ascending CreatedAt (FIFO among equal priorities). Dequeue blocks
// until a job is available, ctx is done, or the queue is closed.
type MemoryQueue struct {
	mu     sync.Mutex
	notify chan struct{}
	items  jobHeap
	closed bool
}

// NewMemoryQueue returns an empty, ready-to-use MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}),
	}
}

// Enqueue adds job to the queue, waking any blocked Dequeue callers.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	heap.Push(&q.items, job)
	q.wakeLocked()
	return nil
}

// Dequeue removes and returns the highest-priority job. It blocks until a
// job is available, ctx is cancelled (returning ctx.Err()), or the queue is
// closed (returning ErrQueueClosed).
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.items) > 0 {
			job := heap.Pop(&q.items).(*Job)
			q.mu.Unlock()
			return job, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peek returns the highest-priority job without removing it, or nil if the
// queue is empty.
func (q *MemoryQueue) Peek(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	return q.items[0], nil
}

// Len reports the number of jobs currently queued.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and releases any blocked Dequeue callers.
// Subsequent Enqueue and Dequeue calls return ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.wakeLocked()
	return nil
}

// wakeLocked closes the current notify channel and replaces it, waking
// every goroutine blocked on the old one. Must be called with q.mu held.
func (q *MemoryQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// jobHeap implements container/heap.Interface over *Job, ordered by
// descending Priority then ascending CreatedAt.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
