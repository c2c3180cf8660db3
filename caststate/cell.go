package caststate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrStaleWriter is returned when a writer from a discarded attempt publishes.
	ErrStaleWriter = errors.New("caststate: writer epoch is no longer current")
	// ErrIllegalTransition is returned when a finished attempt would be overwritten.
	ErrIllegalTransition = errors.New("caststate: illegal state transition")
)

// Epoch identifies the writer that currently owns a Cell.
type Epoch uint64

// Writer publishes on behalf of one epoch.
type Writer func(State) error

// Cell is a single-slot, observable holder for the process-wide cast state.
// The zero value holds Idle.
//
// Reads never block. Exactly one writer owns the cell at a time; Begin hands
// ownership to a new epoch, after which writes from older epochs are rejected.
// Publishing is serialized internally so subscribers see values in order.
type Cell struct {
	cur atomic.Pointer[State]

	mu     sync.Mutex
	epoch  Epoch
	nextID int
	subs   map[int]chan State
}

// NewCell returns a cell holding Idle.
func NewCell() *Cell {
	c := &Cell{subs: make(map[int]chan State)}
	st := Idle()
	c.cur.Store(&st)
	return c
}

// Load returns the current state.
func (c *Cell) Load() State {
	if p := c.cur.Load(); p != nil {
		return *p
	}
	return Idle()
}

// Epoch returns the epoch of the current writer.
func (c *Cell) Epoch() Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Begin starts a new epoch and publishes s as its first value. Writers of
// previous epochs are cut off even when the transition itself is refused.
func (c *Cell) Begin(s State) (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	if err := c.publishLocked(s); err != nil {
		return c.epoch, err
	}

	return c.epoch, nil
}

// PublishAt publishes s if e is still the current epoch.
func (c *Cell) PublishAt(e Epoch, s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e != c.epoch {
		return ErrStaleWriter
	}

	return c.publishLocked(s)
}

// Writer returns a function that publishes in epoch e.
func (c *Cell) Writer(e Epoch) Writer {
	return func(s State) error {
		return c.PublishAt(e, s)
	}
}

func (c *Cell) publishLocked(s State) error {
	cur := c.Load()
	if !cur.CanTransition(s) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, s)
	}

	c.cur.Store(&s)

	for _, ch := range c.subs {
		offer(ch, s)
	}

	return nil
}

// offer replaces whatever the subscriber has not consumed yet with s.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- s:
	default:
	}
}

// Subscribe returns a channel that receives the current state immediately and
// then every published state. A slow reader only misses intermediate values,
// never the latest one. The returned cancel func closes the channel.
func (c *Cell) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs == nil {
		c.subs = make(map[int]chan State)
	}

	ch := make(chan State, 1)
	ch <- c.Load()

	id := c.nextID
	c.nextID++
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}

	return ch, cancel
}
