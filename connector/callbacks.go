package connector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/timzifer/coupler/adapter"
)

// CallbackID identifies a registered reception callback.
type CallbackID uint64

// Callback is a handler bound to the type it accepts.
type Callback[T any] struct {
	Type   adapter.TypeID
	Handle func(T)
}

type callbackEntry[T any] struct {
	id CallbackID
	fn func(T)
}

// Callbacks is an ordered multimap from type to handlers.
type Callbacks[T any] struct {
	mu      sync.RWMutex
	next    CallbackID
	entries map[adapter.TypeID][]callbackEntry[T]
}

func NewCallbacks[T any]() *Callbacks[T] {
	return &Callbacks[T]{entries: make(map[adapter.TypeID][]callbackEntry[T])}
}

// Add registers cb and returns its handle. A nil handler is ignored and yields 0.
func (c *Callbacks[T]) Add(cb Callback[T]) CallbackID {
	if cb.Handle == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.entries[cb.Type] = append(c.entries[cb.Type], callbackEntry[T]{id: c.next, fn: cb.Handle})
	return c.next
}

// Remove detaches the callback with the given handle.
func (c *Callbacks[T]) Remove(id CallbackID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for typ, list := range c.entries {
		for i, e := range list {
			if e.id != id {
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(c.entries, typ)
			} else {
				c.entries[typ] = list
			}
			return true
		}
	}
	return false
}

// Count returns the number of callbacks registered for typ.
func (c *Callbacks[T]) Count(typ adapter.TypeID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[typ])
}

func (c *Callbacks[T]) Clear() {
	c.mu.Lock()
	c.entries = make(map[adapter.TypeID][]callbackEntry[T])
	c.mu.Unlock()
}

// Dispatch hands v to every callback of typ in registration order and returns
// how many ran. Panicking callbacks are reported in the error.
func (c *Callbacks[T]) Dispatch(typ adapter.TypeID, v T) (int, error) {
	c.mu.RLock()
	list := append([]callbackEntry[T](nil), c.entries[typ]...)
	c.mu.RUnlock()

	var errs []error
	for _, e := range list {
		if err := invoke(e, v); err != nil {
			errs = append(errs, err)
		}
	}
	return len(list), errors.Join(errs...)
}

func invoke[T any](e callbackEntry[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback %d panicked: %v", e.id, r)
		}
	}()
	e.fn(v)
	return nil
}
