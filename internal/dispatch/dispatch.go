// Package dispatch implements the Daemon Dispatcher: the per-GVM
// mutual-exclusion table that serializes concurrent operations on the same
// GVM while letting operations on different GVMs proceed concurrently.
package dispatch

import (
	"context"
	"sync"

	"github.com/nyxlabs/gvmd/internal/gvm"
)

// Controller is the subset of *controller.Controller the Dispatcher
// drives.
type Controller interface {
	Create(ctx context.Context, name string, cfg gvm.Config) (*gvm.Record, error)
	Start(ctx context.Context, name string) (*gvm.Record, error)
	Stop(ctx context.Context, name string, graceSeconds int) (*gvm.Record, error)
	Pause(ctx context.Context, name string) (*gvm.Record, error)
	Resume(ctx context.Context, name string) (*gvm.Record, error)
	Suspend(ctx context.Context, name string) (*gvm.Record, error)
	Reset(ctx context.Context, name string) (*gvm.Record, error)
	Destroy(ctx context.Context, name string, force bool) error
	Attach(ctx context.Context, name string) (*gvm.Record, error)
}

// Store is the subset of *store.Store the Dispatcher reads for List/Get,
// which pass straight through without a per-GVM lock (they don't mutate).
type Store interface {
	GetByName(name string) (*gvm.Record, error)
	List() ([]*gvm.Record, error)
}

// Dispatcher owns the per-GVM lock table and forwards operations to the
// Controller, never caching records itself.
type Dispatcher struct {
	controller Controller
	store      Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Dispatcher fronting controller and store.
func New(controller Controller, store Store) *Dispatcher {
	return &Dispatcher{controller: controller, store: store, locks: map[string]*sync.Mutex{}}
}

func (d *Dispatcher) lockFor(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

func (d *Dispatcher) withLock(name string, fn func() error) error {
	l := d.lockFor(name)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (d *Dispatcher) Create(ctx context.Context, name string, cfg gvm.Config) (*gvm.Record, error) {
	var out *gvm.Record
	err := d.withLock(name, func() error {
		r, err := d.controller.Create(ctx, name, cfg)
		out = r
		return err
	})
	return out, err
}

func (d *Dispatcher) Start(ctx context.Context, name string) (*gvm.Record, error) {
	var out *gvm.Record
	err := d.withLock(name, func() error {
		r, err := d.controller.Start(ctx, name)
		out = r
		return err
	})
	return out, err
}

func (d *Dispatcher) Stop(ctx context.Context, name string, graceSeconds int) (*gvm.Record, error) {
	var out *gvm.Record
	err := d.withLock(name, func() error {
		r, err := d.controller.Stop(ctx, name, graceSeconds)
		out = r
		return err
	})
	return out, err
}

func (d *Dispatcher) Pause(ctx context.Context, name string) (*gvm.Record, error) {
	var out *gvm.Record
	err := d.withLock(name, func() error {
		r, err := d.controller.Pause(ctx, name)
		out = r
		return err
	})
	return out, err
}

func (d *Dispatcher) Resume(ctx context.Context, name string) (*gvm.Record, error) {
	var out *gvm.Record
	err := d.withLock(name, func() error {
		r, err := d.controller.Resume(ctx, name)
		out = r
		return err
	})
	return out, err
}

func (d *Dispatcher) Suspend(ctx context.Context, name string) (*gvm.Record, error) {
	var out *gvm.Record
	err := d.withLock(name, func() error {
		r, err := d.controller.Suspend(ctx, name)
		out = r
		return err
	})
	return out, err
}

func (d *Dispatcher) Reset(ctx context.Context, name string) (*gvm.Record, error) {
	var out *gvm.Record
	err := d.withLock(name, func() error {
		r, err := d.controller.Reset(ctx, name)
		out = r
		return err
	})
	return out, err
}

func (d *Dispatcher) Destroy(ctx context.Context, name string, force bool) error {
	return d.withLock(name, func() error {
		return d.controller.Destroy(ctx, name, force)
	})
}

func (d *Dispatcher) Attach(ctx context.Context, name string) (*gvm.Record, error) {
	var out *gvm.Record
	err := d.withLock(name, func() error {
		r, err := d.controller.Attach(ctx, name)
		out = r
		return err
	})
	return out, err
}

// Get reads the State Store directly, bypassing the lock table, so it
// always observes external edits (e.g. by a recovery tool).
func (d *Dispatcher) Get(name string) (*gvm.Record, error) {
	return d.store.GetByName(name)
}

// List reads the State Store directly, bypassing the lock table.
func (d *Dispatcher) List() ([]*gvm.Record, error) {
	return d.store.List()
}
