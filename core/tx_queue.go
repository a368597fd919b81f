package core

import "container/heap"

// txQueue orders devices by (next transmission time, device ID), which is
// the service order within and across time steps.
type txQueue struct {
	items []Device
}

func (q *txQueue) Len() int { return len(q.items) }

func (q *txQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.NextTxTime() != b.NextTxTime() {
		return a.NextTxTime() < b.NextTxTime()
	}
	return a.ID() < b.ID()
}

func (q *txQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *txQueue) Push(x any) { q.items = append(q.items, x.(Device)) }

func (q *txQueue) Pop() any {
	n := len(q.items)
	d := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	return d
}

// newTxQueue queues every device that still has a transmission ahead.
func newTxQueue(devices []Device) *txQueue {
	q := &txQueue{}
	for _, d := range devices {
		if d.NextTxTime() != Never {
			q.items = append(q.items, d)
		}
	}
	heap.Init(q)
	return q
}

// peek returns the earliest pending transmission time, or Never.
func (q *txQueue) peek() int64 {
	if len(q.items) == 0 {
		return Never
	}
	return q.items[0].NextTxTime()
}

// popDue removes and returns, in ID order, every device due at t.
func (q *txQueue) popDue(t int64) []Device {
	var due []Device
	for len(q.items) > 0 && q.items[0].NextTxTime() == t {
		due = append(due, heap.Pop(q).(Device))
	}
	return due
}

// requeue puts d back if it has another transmission scheduled.
func (q *txQueue) requeue(d Device) {
	if d.NextTxTime() != Never {
		heap.Push(q, d)
	}
}
