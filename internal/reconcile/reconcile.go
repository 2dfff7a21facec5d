// Package reconcile implements the single edge-triggered reconciliation
// loop that is the sole creator of VMs and sole initiator of reaping. It
// wakes on the fleet store's collapsing change signal, re-reads the whole
// fleet, and closes the gap to the desired size.
package reconcile

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/wso-systems/wsod/internal/fleet"
	"github.com/wso-systems/wsod/internal/lifecycle"
	"github.com/wso-systems/wsod/internal/network"
	"github.com/wso-systems/wsod/internal/vm"
)

// Reconciler drives fleet cardinality toward the desired size, spawning
// lifecycle and destroy workers in response to fleet change signals.
type Reconciler struct {
	logger    hclog.Logger
	fleet     *fleet.Store
	lifecycle *lifecycle.Manager
	allocator network.Strategy
	cfg       Config

	desired atomic.Int64
}

// Config carries the immutable provisioning parameters stamped onto
// every freshly spawned record.
type Config struct {
	CPUs        uint
	MemoryKiB   uint64
	ImagePath   string
	NetworkName string
	BridgeName  string

	// StateFilePath, when non-empty, names the advisory state.json the
	// reconciler rewrites after every pass. Never read back.
	StateFilePath string
}

func New(logger hclog.Logger, store *fleet.Store, lm *lifecycle.Manager, allocator network.Strategy, cfg Config, initialDesired int) *Reconciler {
	r := &Reconciler{
		logger:    logger.Named("reconciler"),
		fleet:     store,
		lifecycle: lm,
		allocator: allocator,
		cfg:       cfg,
	}
	r.desired.Store(int64(initialDesired))
	return r
}

// SetDesired updates the target fleet size and wakes the reconciler.
func (r *Reconciler) SetDesired(n int) {
	r.desired.Store(int64(n))
	r.fleet.Notify()
}

// Desired returns the current target fleet size.
func (r *Reconciler) Desired() int {
	return int(r.desired.Load())
}

// Run blocks, reconciling on every fleet change signal until ctx is
// done.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		if err := r.fleet.Wait(ctx); err != nil {
			return
		}
		r.reconcileOnce(ctx)
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	snapshot := r.fleet.Snapshot()
	defer r.writeStateFile(snapshot)

	var unhealthy, running, healthy []*vm.Record
	for _, rec := range snapshot {
		switch rec.State {
		case vm.StateUnhealthy:
			unhealthy = append(unhealthy, rec)
		case vm.StateHealthy:
			healthy = append(healthy, rec)
			running = append(running, rec)
		default:
			if rec.State.Running() {
				running = append(running, rec)
			}
		}
	}

	for _, rec := range unhealthy {
		r.spawnDestroy(rec.Name)
	}

	desired := r.Desired()
	switch {
	case len(running) < desired:
		r.spawnLaunches(ctx, desired-len(running))
	case len(healthy) > desired:
		r.trimHealthy(healthy, len(healthy)-desired)
	}
}

func (r *Reconciler) spawnDestroy(name string) {
	if !r.lifecycle.MarkTerminating(name) {
		return
	}

	go func() {
		if err := r.lifecycle.Destroy(name); err != nil {
			r.logger.Error("destroy failed, will retry on next reconciliation", "name", name, "error", err)
		}
	}()
}

func (r *Reconciler) spawnLaunches(ctx context.Context, count int) {
	// One read of the in-use set covers the whole batch; each draw is
	// added back so the batch stays collision-free.
	inUse := r.fleet.IPsInUse()

	for i := 0; i < count; i++ {
		ip, err := r.allocator.Allocate(inUse)
		if err != nil {
			r.logger.Error("unable to allocate IP for new VM", "error", err)
			return
		}
		inUse.Insert(ip)

		id, err := vm.NewID()
		if err != nil {
			r.logger.Error("unable to generate VM id", "error", err)
			return
		}
		name := vm.DomainName(id)
		rec := vm.NewRecord(id, vm.Config{
			Name:        name,
			CPUs:        r.cfg.CPUs,
			MemoryKiB:   r.cfg.MemoryKiB,
			ImagePath:   r.cfg.ImagePath,
			NetworkName: r.cfg.NetworkName,
			BridgeName:  r.cfg.BridgeName,
			IPAddress:   ip,
		})

		// Insert synchronously: the next pass must see this record in its
		// running count, or a quick pair of signals would double-spawn.
		if err := r.fleet.Insert(rec); err != nil {
			r.logger.Error("unable to register new VM record", "name", name, "error", err)
			continue
		}

		go r.lifecycle.Launch(ctx, rec)
	}
}

// trimHealthy spawns destroy workers for n records chosen uniformly at
// random from healthy, so scale-down under churn does not consistently
// favor one cohort.
func (r *Reconciler) trimHealthy(healthy []*vm.Record, n int) {
	victims, err := chooseRandom(healthy, n)
	if err != nil {
		r.logger.Error("unable to choose trim victims", "error", err)
		return
	}

	for _, rec := range victims {
		r.spawnDestroy(rec.Name)
	}
}
