package actor

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/wilhg/convo/pkg/errmodel"
)

// OptionsFunc returns the options of the actor with the given id.
type OptionsFunc func(id string) Options

// Directory activates actors on first use and keeps them until Close.
// Concurrent first requests for one id share a single activation.
type Directory struct {
	opts OptionsFunc

	mu     sync.RWMutex
	actors map[string]*Actor
	closed bool
	group  singleflight.Group
}

// NewDirectory returns an empty directory.
func NewDirectory(opts OptionsFunc) *Directory {
	return &Directory{opts: opts, actors: map[string]*Actor{}}
}

// Get returns the live actor for id, activating it from its log if needed.
func (d *Directory) Get(ctx context.Context, id string) (*Actor, error) {
	if id == "" {
		return nil, errmodel.Validation("invalid_actor_id", "actor id is empty", nil)
	}
	d.mu.RLock()
	a, ok := d.actors[id]
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, errmodel.System("directory_closed", "actor directory is closed", nil, nil)
	}
	if ok {
		return a, nil
	}
	v, err, _ := d.group.Do(id, func() (any, error) {
		d.mu.RLock()
		a, ok := d.actors[id]
		d.mu.RUnlock()
		if ok {
			return a, nil
		}
		o := d.opts(id)
		o.ID = id
		a, err := New(ctx, o)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			_ = a.Close()
			return nil, errmodel.System("directory_closed", "actor directory is closed", nil, nil)
		}
		d.actors[id] = a
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Actor), nil
}

// IDs returns the ids of the live actors.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.actors))
	for id := range d.actors {
		out = append(out, id)
	}
	return out
}

// Close closes every live actor.
func (d *Directory) Close() error {
	d.mu.Lock()
	d.closed = true
	actors := d.actors
	d.actors = map[string]*Actor{}
	d.mu.Unlock()

	var errs []error
	for _, a := range actors {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
