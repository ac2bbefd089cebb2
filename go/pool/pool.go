// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool tracks the fleet of ephemeral compute instances and hands
// them out to sessions. The fleet controller's state is authoritative; the
// pool keeps an eventually-consistent local mirror refreshed on a fixed
// interval, with a reservation bit overlaid per record. A reservation is the
// gateway's own claim and is never reported to the controller: it is cleared
// when a reconcile observes the instance suspended again, which is the
// signal that the previous session ended and the instance returned to the
// pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/pggate/go/fleet"
)

// ErrNoneAvailable is returned by Acquire when no instance is free. This is
// an expected steady-state condition; callers poll with backoff.
var ErrNoneAvailable = errors.New("no instances available")

const (
	// defaultReconcileInterval is how often the mirror is refreshed.
	defaultReconcileInterval = time.Second

	// defaultStateTimeout bounds WaitForState.
	defaultStateTimeout = 30 * time.Second

	// statePollInterval is the delay between state polls.
	statePollInterval = 500 * time.Millisecond
)

// record is the pool's view of one instance: the mirrored controller state
// plus the gateway's reservation overlay, kept as two fields on one record
// so they cannot drift apart.
type record struct {
	instance fleet.Instance
	reserved bool
}

// available is the pure predicate for allocation eligibility: the controller
// reports the instance suspended and no session holds it.
func (r *record) available() bool {
	return r.instance.State == fleet.StateSuspended && !r.reserved
}

// Config configures a Pool.
type Config struct {
	Client fleet.Client
	Logger *slog.Logger

	// MaxReserved caps concurrent reservations. Zero means no cap.
	MaxReserved int

	// ReconcileInterval overrides the 1s mirror refresh, for tests.
	ReconcileInterval time.Duration

	// StateTimeout bounds WaitForState. Defaults to 30s.
	StateTimeout time.Duration

	// Clock is overridden in tests. Defaults to the real clock.
	Clock clockwork.Clock
}

// Pool is the instance pool manager.
type Pool struct {
	client fleet.Client
	logger *slog.Logger
	clock  clockwork.Clock

	maxReserved       int
	reconcileInterval time.Duration
	stateTimeout      time.Duration

	// mu guards records. It is held only for in-memory mutation, never
	// across a controller API call.
	mu      sync.Mutex
	records map[string]*record
}

// New creates a Pool. Call Run to start the reconcile loop.
func New(config Config) (*Pool, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("fleet client is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := config.ReconcileInterval
	if interval == 0 {
		interval = defaultReconcileInterval
	}
	stateTimeout := config.StateTimeout
	if stateTimeout == 0 {
		stateTimeout = defaultStateTimeout
	}
	return &Pool{
		client:            config.Client,
		logger:            logger,
		clock:             clock,
		maxReserved:       config.MaxReserved,
		reconcileInterval: interval,
		stateTimeout:      stateTimeout,
		records:           make(map[string]*record),
	}, nil
}

// Run executes the reconcile loop until ctx is cancelled. A failed refresh
// keeps the stale mirror; reservations made against it stay valid until the
// next successful reconcile observes their instances suspended.
func (p *Pool) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.reconcileInterval)
	defer ticker.Stop()

	p.logger.Info("pool reconcile loop started", "interval", p.reconcileInterval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pool reconcile loop stopped")
			return
		case <-ticker.Chan():
			if err := p.Reconcile(ctx); err != nil {
				p.logger.Error("fleet reconcile failed, keeping stale mirror", "error", err)
			}
		}
	}
}

// Reconcile fetches the authoritative fleet state and replaces the local
// mirror. Reservations survive the replacement except where the controller
// now reports the instance suspended.
func (p *Pool) Reconcile(ctx context.Context) error {
	// Network call happens outside the lock.
	instances, err := p.client.ListInstances(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*record, len(instances))
	for _, instance := range instances {
		rec := &record{instance: instance}
		if prev, ok := p.records[instance.ID]; ok {
			rec.reserved = prev.reserved
		}
		if instance.State == fleet.StateSuspended && rec.reserved {
			// The controller observed the suspension that ends a session;
			// the instance is back in the pool.
			rec.reserved = false
			p.logger.Debug("reservation released by reconcile", "instance_id", instance.ID)
		}
		next[instance.ID] = rec
	}
	p.records = next
	return nil
}

// Acquire reserves a free instance and returns it. It never blocks: when
// nothing is free it returns ErrNoneAvailable and the caller retries with
// backoff.
func (p *Pool) Acquire() (fleet.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxReserved > 0 && p.reservedCountLocked() >= p.maxReserved {
		return fleet.Instance{}, ErrNoneAvailable
	}

	for _, rec := range p.records {
		if rec.available() {
			rec.reserved = true
			p.logger.Debug("instance reserved", "instance_id", rec.instance.ID)
			return rec.instance, nil
		}
	}
	return fleet.Instance{}, ErrNoneAvailable
}

// Start asks the controller to wake a reserved instance and blocks until it
// reports started. On timeout the reservation is deliberately left in place:
// the next reconcile that observes the instance suspended reclaims it,
// avoiding a race against the controller's own view.
func (p *Pool) Start(ctx context.Context, instance fleet.Instance) error {
	if err := p.client.StartInstance(ctx, instance.ID); err != nil {
		return fmt.Errorf("starting instance %s: %w", instance.ID, err)
	}
	if err := p.WaitForState(ctx, instance.ID, fleet.StateStarted); err != nil {
		p.logger.Warn("instance did not reach started state, reservation left for reconcile",
			"instance_id", instance.ID, "error", err)
		return err
	}
	return nil
}

// WaitForState polls the controller until the instance reports the target
// state, bounded by the configured timeout.
func (p *Pool) WaitForState(ctx context.Context, id string, target fleet.State) error {
	ctx, cancel := context.WithTimeout(ctx, p.stateTimeout)
	defer cancel()

	poll := backoff.WithContext(backoff.NewConstantBackOff(statePollInterval), ctx)
	err := backoff.Retry(func() error {
		instance, err := p.client.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		// Update the mirror opportunistically so Acquire sees fresh state
		// without waiting for the next reconcile.
		p.observe(instance)
		if instance.State != target {
			return fmt.Errorf("instance %s in state %q, want %q", id, instance.State, target)
		}
		return nil
	}, poll)
	if err != nil {
		return fmt.Errorf("waiting for instance %s to reach %q: %w", id, target, err)
	}
	return nil
}

// observe merges a single authoritative instance record into the mirror.
// Unlike Reconcile it never clears a reservation; only the periodic full
// refresh interprets suspension as session end.
func (p *Pool) observe(instance *fleet.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[instance.ID]; ok {
		rec.instance = *instance
		return
	}
	p.records[instance.ID] = &record{instance: *instance}
}

// Provision grows the fleet to the target size by creating instances from
// the given template. Used by operator tooling ahead of expected load; the
// serving path never creates instances. Returns the instances created.
func (p *Pool) Provision(ctx context.Context, target int, template fleet.CreateRequest) ([]fleet.Instance, error) {
	if target <= 0 {
		return nil, fmt.Errorf("target size must be positive")
	}

	// observe adds each new instance to the mirror, so Size moves as we go.
	var created []fleet.Instance
	for p.Size() < target {
		instance, err := p.client.CreateInstance(ctx, template)
		if err != nil {
			return created, fmt.Errorf("provisioning instance %d of %d: %w", len(created)+1, target, err)
		}
		p.observe(instance)
		created = append(created, *instance)
		p.logger.Info("instance provisioned", "instance_id", instance.ID, "state", instance.State)
	}
	return created, nil
}

// Size returns the number of mirrored instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Reserved returns the number of outstanding reservations.
func (p *Pool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservedCountLocked()
}

func (p *Pool) reservedCountLocked() int {
	n := 0
	for _, rec := range p.records {
		if rec.reserved {
			n++
		}
	}
	return n
}
