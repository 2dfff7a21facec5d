// Package shutdown implements the daemon's teardown sequence: stop
// accepting control connections, stop the reconciler, reap every VM not
// already Launching or Terminating, destroy the shared NAT network.
package shutdown

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/wso-systems/wsod/internal/fleet"
	"github.com/wso-systems/wsod/internal/hypervisor"
	"github.com/wso-systems/wsod/internal/lifecycle"
	"github.com/wso-systems/wsod/internal/vm"
)

// Coordinator runs the ordered shutdown sequence exactly once.
type Coordinator struct {
	logger      hclog.Logger
	fleet       *fleet.Store
	lifecycle   *lifecycle.Manager
	hypervisor  hypervisor.Hypervisor
	networkName string
}

func New(logger hclog.Logger, store *fleet.Store, lm *lifecycle.Manager, hv hypervisor.Hypervisor, networkName string) *Coordinator {
	return &Coordinator{
		logger:      logger.Named("shutdown"),
		fleet:       store,
		lifecycle:   lm,
		hypervisor:  hv,
		networkName: networkName,
	}
}

// Run reaps the fleet and destroys the shared network. Stopping the
// control server and the reconciler first is the caller's responsibility:
// both are expressed as context cancellation on their own Serve/Run
// contexts, which the caller must have already cancelled and awaited
// before calling Run.
//
// VMs in Launching are intentionally skipped: their launch task either
// completes (and is reaped by a later pass) or fails and self-removes. A
// caller wanting the hardened variant should await outstanding Launch
// calls before calling Run.
func (c *Coordinator) Run(ctx context.Context) error {
	var errs *multierror.Error

	if err := c.reapAll(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := c.hypervisor.DestroyNetwork(c.networkName); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("shutdown: unable to destroy shared network %s: %w", c.networkName, err))
	}

	return errs.ErrorOrNil()
}

func (c *Coordinator) reapAll(ctx context.Context) error {
	snapshot := c.fleet.Snapshot()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)

	for _, rec := range snapshot {
		if rec.State == vm.StateTerminating || rec.State == vm.StateLaunching {
			continue
		}

		if !c.lifecycle.MarkTerminating(rec.Name) {
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := c.lifecycle.Destroy(name); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("shutdown: unable to destroy %s: %w", name, err))
				mu.Unlock()
				c.logger.Error("destroy failed during shutdown", "name", name, "error", err)
			}
		}(rec.Name)
	}

	wg.Wait()
	return errs.ErrorOrNil()
}
