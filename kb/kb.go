package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

var (
	ErrDeviceExists   = errors.New("device already exists")
	ErrDeviceNotFound = errors.New("device not found")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventFramePlaced EventType = iota
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type   EventType
	Device int
	Time   int64
	// Frames are the fragments placed on the grid, with their collision
	// state as of placement.
	Frames []*model.Frame
}

// Identified is anything stored in the KB.
type Identified interface {
	ID() int
}

// KnowledgeBase is an in-memory, thread-safe store of simulated devices.
// Listing is always in ascending ID order, which is the order the engine
// serves devices within a time step.
type KnowledgeBase[D Identified] struct {
	mu sync.RWMutex

	devices map[int]D
	ordered []D

	subs   []subscriber
	nextID int
}

type subscriber struct {
	id int
	fn func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase[D Identified]() *KnowledgeBase[D] {
	return &KnowledgeBase[D]{devices: make(map[int]D)}
}

// Add stores a device. It returns an error if the ID already exists.
func (kb *KnowledgeBase[D]) Add(d D) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	id := d.ID()
	if _, exists := kb.devices[id]; exists {
		return fmt.Errorf("%w: %d", ErrDeviceExists, id)
	}
	kb.devices[id] = d
	kb.ordered = nil
	return nil
}

// AddAll stores every device, stopping at the first error.
func (kb *KnowledgeBase[D]) AddAll(ds []D) error {
	for _, d := range ds {
		if err := kb.Add(d); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the device with the given ID.
func (kb *KnowledgeBase[D]) Get(id int) (D, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	d, ok := kb.devices[id]
	if !ok {
		return d, fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	return d, nil
}

// Len is the number of stored devices.
func (kb *KnowledgeBase[D]) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.devices)
}

// List returns a snapshot of all devices in ascending ID order.
func (kb *KnowledgeBase[D]) List() []D {
	kb.mu.RLock()
	ordered := kb.ordered
	kb.mu.RUnlock()
	if ordered == nil {
		kb.mu.Lock()
		if kb.ordered == nil {
			kb.ordered = make([]D, 0, len(kb.devices))
			for _, d := range kb.devices {
				kb.ordered = append(kb.ordered, d)
			}
			sort.Slice(kb.ordered, func(i, j int) bool {
				return kb.ordered[i].ID() < kb.ordered[j].ID()
			})
		}
		ordered = kb.ordered
		kb.mu.Unlock()
	}
	return append([]D(nil), ordered...)
}

// Publish notifies subscribers of ev.
func (kb *KnowledgeBase[D]) Publish(ev Event) {
	kb.mu.RLock()
	subs := append([]subscriber(nil), kb.subs...)
	kb.mu.RUnlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub.fn(ev)
	}
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase[D]) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextID
	kb.nextID++
	kb.subs = append(kb.subs, subscriber{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, sub := range kb.subs {
			if sub.id == id {
				kb.subs = append(kb.subs[:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}
