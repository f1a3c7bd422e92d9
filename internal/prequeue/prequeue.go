// Package prequeue implements the pre-exec queue (spec component C2): a
// FIFO buffer of images produced by the kernel callback, awaiting match
// with their audit record.
//
// The queue allows multiple concurrent producers (Append, called from the
// kernel-callback thread(s)) but exactly one consumer (the correlator,
// which alone calls Lookup and removes nodes). A single coarse mutex
// protects the list; no iterator is exposed outside the package — the
// correlator drives traversal via the match callback passed to Lookup
// while holding the lock across the whole attempt, matching §4.2.
package prequeue

import (
	"sync"

	"github.com/tripwire/sentineld/internal/image"
)

// node is one FIFO entry wrapping a queued pre-exec image.
type node struct {
	img  *image.Image
	next *node
	prev *node
}

// Queue is the FIFO pre-exec queue. The zero value is not usable; create
// one with New.
type Queue struct {
	mu         sync.Mutex
	head, tail *node
	size       int

	// maxTTL is the MAXPQTTL constant (§4.2): a node skipped past this many
	// times during Lookup scans is evicted and its image released.
	maxTTL int

	// Evicted counts TTL evictions (the §6 "pqdrop" statistic). Skipped
	// counts non-matching nodes scanned past during a Lookup ("pqskip").
	Evicted int64
	Skipped int64
}

// New creates an empty Queue whose entries are evicted once they have been
// scanned past maxTTL times without matching ("PQ drop").
func New(maxTTL int) *Queue {
	if maxTTL <= 0 {
		maxTTL = 16
	}
	return &Queue{maxTTL: maxTTL}
}

// Append inserts img at the tail of the queue, taking ownership of one
// reference. Safe to call concurrently from multiple producer goroutines.
func (q *Queue) Append(img *image.Image) {
	n := &node{img: img}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tail == nil {
		q.head, q.tail = n, n
	} else {
		n.prev = q.tail
		q.tail.next = n
		q.tail = n
	}
	q.size++
}

// Size returns the current queue length (the §6 "pqsize" statistic).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Match is a predicate supplied to Lookup: given a queued image, it
// reports whether that image is the one being sought.
type Match func(*image.Image) bool

// Lookup scans the queue head-to-tail holding the lock for the whole
// traversal (§4.2: "the correlator drives traversal internally while
// holding the lock across a match attempt"). The first node for which
// match returns true is unlinked and its image returned with ownership
// transferred to the caller. Every node skipped past (including the
// matched node's predecessors) has its PQTTL incremented; any node whose
// PQTTL reaches maxTTL is unlinked and released (its reference dropped)
// instead of being left in the queue, even if it was not itself a match.
//
// Lookup returns nil if no node matches.
func (q *Queue) Lookup(match Match) *image.Image {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur := q.head
	for cur != nil {
		next := cur.next

		if match(cur.img) {
			found := cur.img
			q.unlink(cur)
			return found
		}

		cur.img.PQTTL++
		q.Skipped++
		if cur.img.PQTTL >= q.maxTTL {
			evicted := cur.img
			q.unlink(cur)
			q.Evicted++
			evicted.Unref()
		}

		cur = next
	}
	return nil
}

// unlink removes n from the list. Must be called with q.mu held.
func (q *Queue) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.next, n.prev = nil, nil
	q.size--
}

// Drain removes and releases every remaining queued image. Used during
// shutdown (§5 "fini"): the kernel-callback thread must already be joined
// before calling Drain.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	cur := q.head
	for cur != nil {
		next := cur.next
		cur.img.Unref()
		n++
		cur = next
	}
	q.head, q.tail = nil, nil
	q.size = 0
	return n
}
