// Package queue implements the FIFO conduit between the reader pool and
// the writer, with byte-accounted capacity and backpressure.
package queue

import (
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

var ErrClosed = errors.New("queue is closed")

// Item is one batch in flight. JSONL readers pre-serialize into Encoded;
// the other formats ship decoded documents.
type Item struct {
	Partition int
	Docs      []bson.D
	Encoded   []byte
	Rows      int
	Bytes     int
	LastID    any
}

// ByteQueue is a bounded FIFO whose capacity is measured in bytes rather
// than items, so a few large batches exert the same backpressure as many
// small ones.
type ByteQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items    []Item
	curBytes int64
	maxBytes int64
	closed   bool
}

// NewByteQueue creates a queue admitting up to maxBytes of buffered batches.
func NewByteQueue(maxBytes int64) *ByteQueue {
	if maxBytes < 1 {
		maxBytes = 1
	}
	q := &ByteQueue{maxBytes: maxBytes}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push blocks while the queue is over budget, then appends item. An item
// larger than the whole budget is admitted once the queue is empty, so a
// single oversized batch cannot deadlock the pipeline.
func (q *ByteQueue) Push(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.curBytes > 0 && q.curBytes+int64(item.Bytes) > q.maxBytes {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}

	q.items = append(q.items, item)
	q.curBytes += int64(item.Bytes)
	q.notEmpty.Signal()
	return nil
}

// Pop blocks until an item is available. After Close, remaining items are
// drained in order and then ok=false is returned.
func (q *ByteQueue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.curBytes -= int64(item.Bytes)
	q.notFull.Broadcast()
	return item, true
}

// Close is idempotent. Blocked pushers fail with ErrClosed; the consumer
// drains whatever is buffered.
func (q *ByteQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// SizeBytes reports current occupancy.
func (q *ByteQueue) SizeBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.curBytes
}
