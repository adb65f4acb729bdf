package uploadsink

import (
	"container/heap"
	"time"

	"github.com/pingcap/tidb-pipeline-extensions/internal/checkpoint"
)

// queueItem is one pending upload: a key waiting for its delay to expire.
type queueItem struct {
	key       checkpoint.Key
	fireAt    time.Time
	localPath string
	objectKey string
	finalizer Finalizer
	index     int // heap.Interface bookkeeping
}

// delayQueue is a min-heap of queueItem ordered by fireAt, giving O(log n)
// insert and O(log n) pop-earliest. The upload sink owns it exclusively; it
// is never touched concurrently from more than one goroutine.
type delayQueue []*queueItem

func (q delayQueue) Len() int            { return len(q) }
func (q delayQueue) Less(i, j int) bool  { return q[i].fireAt.Before(q[j].fireAt) }
func (q delayQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *delayQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *delayQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func (q *delayQueue) insert(item *queueItem) {
	heap.Push(q, item)
}

// peekFireAt returns the fire time of the earliest item, and false if empty.
func (q delayQueue) peekFireAt() (time.Time, bool) {
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].fireAt, true
}

// popExpired removes and returns every item whose fireAt is <= now.
func (q *delayQueue) popExpired(now time.Time) []*queueItem {
	var due []*queueItem
	for len(*q) > 0 {
		if (*q)[0].fireAt.After(now) {
			break
		}
		due = append(due, heap.Pop(q).(*queueItem))
	}
	return due
}
