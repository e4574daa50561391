/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"matrixinfer.ai/inferengine/pkg/sequence"
)

// admissionEntry is one Waiting sequence's place in the cross-user
// fairness heap, ported down from the teacher's RequestPriorityQueue:
// same-user entries go FIFO by arrival; across users, lower cumulative
// token usage (Priority) goes first, ties broken by arrival time.
type admissionEntry struct {
	seq         *sequence.Sequence
	userID      string
	priority    float64
	requestTime time.Time
}

type admissionHeap []*admissionEntry

func (h admissionHeap) Len() int { return len(h) }

func (h admissionHeap) Less(i, j int) bool {
	if h[i].userID == h[j].userID {
		return h[i].requestTime.Before(h[j].requestTime)
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].requestTime.Before(h[j].requestTime)
}

func (h admissionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *admissionHeap) Push(x interface{}) { *h = append(*h, x.(*admissionEntry)) }

func (h *admissionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// AdmissionQueue is the two-level queue §3.7/§4.5 step 1 draws Waiting
// sequences from: a per-user-fair priority heap feeds newly-admitted
// sequences into a plain FIFO of sequences that are ready to run within
// the priority band the heap has already ordered, so repeated Select
// calls within one step don't re-run heap comparisons against entries
// that already won their turn.
type AdmissionQueue struct {
	mu    sync.Mutex
	heap  admissionHeap
	ready deque.Deque[*sequence.Sequence]

	// usage tracks cumulative committed tokens per user, the fairness
	// heap's Priority input — more usage means lower priority next time,
	// mirroring the teacher's token-usage-based Priority comment.
	usage map[string]float64
}

// NewAdmissionQueue constructs an empty queue.
func NewAdmissionQueue() *AdmissionQueue {
	return &AdmissionQueue{usage: make(map[string]float64)}
}

// Submit enqueues a newly-created Waiting sequence under userID.
func (q *AdmissionQueue) Submit(seq *sequence.Sequence, userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, &admissionEntry{
		seq:         seq,
		userID:      userID,
		priority:    q.usage[userID],
		requestTime: time.Now(),
	})
}

// RecordUsage adds to userID's cumulative token count, penalizing its
// priority on future Submit calls (fairness across users, not within
// one user's own requests).
func (q *AdmissionQueue) RecordUsage(userID string, tokens int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.usage[userID] += float64(tokens)
}

// drainReady moves every heap entry whose priority ties the current
// head's band into the ready FIFO, preserving the heap's fairness
// ordering while giving Select a cheap, repeatable pop.
func (q *AdmissionQueue) drainReady() {
	if q.heap.Len() == 0 {
		return
	}
	band := q.heap[0].priority
	for q.heap.Len() > 0 && q.heap[0].priority == band {
		entry := heap.Pop(&q.heap).(*admissionEntry)
		q.ready.PushBack(entry.seq)
	}
}

// Next pops the next Waiting sequence in fairness order, or nil if the
// queue is empty.
func (q *AdmissionQueue) Next() *sequence.Sequence {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 {
		q.drainReady()
	}
	if q.ready.Len() == 0 {
		return nil
	}
	return q.ready.PopFront()
}

// Requeue returns an evicted or otherwise not-yet-ready sequence to the
// front of the ready FIFO, so it is the next one Select reconsiders.
func (q *AdmissionQueue) Requeue(seq *sequence.Sequence) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready.PushFront(seq)
}

// Len reports the total number of sequences waiting across both tiers.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len() + q.ready.Len()
}
