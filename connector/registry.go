package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/timzifer/coupler/trigger"
)

// Handle is the type erased view of a connector used by hosts.
type Handle interface {
	ID() string
	State() State
	Descriptor() Descriptor
	Trigger(q trigger.Query) (string, error)
	Disconnect(ctx context.Context) error
	Dispose()
}

// Registry tracks known descriptors and the connectors currently connected.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	active      map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		active:      make(map[string]Handle),
	}
}

// RegisterDescriptor announces a binding kind.
func (r *Registry) RegisterDescriptor(d Descriptor) error {
	if d.Name == "" {
		return errors.New("descriptor name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[d.Name]; ok {
		return fmt.Errorf("descriptor %s already registered", d.Name)
	}
	r.descriptors[d.Name] = d
	return nil
}

func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Descriptors returns all descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register records a connected connector.
func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[h.ID()]; ok {
		return fmt.Errorf("connector %s already registered", h.ID())
	}
	r.active[h.ID()] = h
	return nil
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; !ok {
		return false
	}
	delete(r.active, id)
	return true
}

func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.active[id]
	return h, ok
}

// Connected returns the registered connectors sorted by id.
func (r *Registry) Connected() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.active))
	for _, h := range r.active {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close disconnects every registered connector.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, h := range r.Connected() {
		if err := h.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
		r.Unregister(h.ID())
	}
	return errors.Join(errs...)
}
