package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry holds one Manager per identity and routes status queries and
// sends by identity. Sessions never share state through it.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Add registers m. Identities must be unique.
func (r *Registry) Add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.managers[m.identity]; dup {
		return fmt.Errorf("session %s already registered", m.identity)
	}
	r.managers[m.identity] = m
	r.order = append(r.order, m.identity)
	return nil
}

// Manager looks up the manager of identity.
func (r *Registry) Manager(identity string) (*Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}
	return m, nil
}

// Identities lists the registered identities in registration order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Start(ctx context.Context, identity string) error {
	m, err := r.Manager(identity)
	if err != nil {
		return err
	}
	return m.Start(ctx)
}

// StartAll starts every session. One failing session does not keep the
// others from starting; the failures are joined.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.Identities() {
		if err := r.Start(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every started session has stopped.
func (r *Registry) Wait() {
	for _, id := range r.Identities() {
		if m, err := r.Manager(id); err == nil {
			m.Wait()
		}
	}
}

func (r *Registry) Status(identity string) (Status, error) {
	m, err := r.Manager(identity)
	if err != nil {
		return Status{}, err
	}
	return m.Status(), nil
}

// Statuses returns a snapshot of every session in registration order.
func (r *Registry) Statuses() []Status {
	ids := r.Identities()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, err := r.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (r *Registry) SendText(ctx context.Context, identity, to, text string) error {
	m, err := r.Manager(identity)
	if err != nil {
		return err
	}
	return m.SendText(ctx, to, text)
}

func (r *Registry) SendMedia(ctx context.Context, identity, to, path, caption string) error {
	m, err := r.Manager(identity)
	if err != nil {
		return err
	}
	return m.SendMedia(ctx, to, path, caption)
}

func (r *Registry) SetPresence(ctx context.Context, identity, to string, presence Presence) error {
	m, err := r.Manager(identity)
	if err != nil {
		return err
	}
	return m.SetPresence(ctx, to, presence)
}
