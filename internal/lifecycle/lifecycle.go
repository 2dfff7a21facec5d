// Package lifecycle drives a single VM record through its full life:
// launch, post-boot configuration, health probing, and eventual
// destruction. Each record is owned by exactly one Manager.Launch/Destroy
// call at a time; the reconciler (internal/reconcile) decides when to
// start one.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wso-systems/wsod/internal/cloudinit"
	"github.com/wso-systems/wsod/internal/fleet"
	"github.com/wso-systems/wsod/internal/health"
	"github.com/wso-systems/wsod/internal/hypervisor"
	"github.com/wso-systems/wsod/internal/network"
	"github.com/wso-systems/wsod/internal/provision"
	"github.com/wso-systems/wsod/internal/vm"
)

// Timings bundles every duration/threshold the worker's probing and
// configuration loops need.
type Timings struct {
	HealthcheckStartDelay         time.Duration
	HealthcheckInterval           time.Duration
	HealthcheckHealthyThreshold   int
	HealthcheckUnhealthyThreshold int

	ConfigurationInitialDelay  time.Duration
	ConfigurationRetryInterval time.Duration
	ConfigurationRetries       int

	HealthcheckPort int
}

// Manager owns the side-tasks (probe, configure) for every in-flight VM
// and coordinates their cancellation at destroy time.
type Manager struct {
	logger hclog.Logger

	fleet      *fleet.Store
	hypervisor hypervisor.Hypervisor
	cloner     provision.DiskCloner
	configurer provision.Configurer
	ci         *cloudinit.Generator
	prober     *health.Prober

	workdir          string
	networkName      string
	bridgeName       string
	gateway          string
	imagePath        string
	sshAuthorizedKey string

	timings Timings

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	netMu        sync.Mutex
	networkReady bool
}

func NewManager(
	logger hclog.Logger,
	store *fleet.Store,
	hv hypervisor.Hypervisor,
	cloner provision.DiskCloner,
	configurer provision.Configurer,
	ci *cloudinit.Generator,
	workdir, networkName, bridgeName, gateway, imagePath string,
	timings Timings,
) *Manager {
	return &Manager{
		logger:      logger.Named("lifecycle"),
		fleet:       store,
		hypervisor:  hv,
		cloner:      cloner,
		configurer:  configurer,
		ci:          ci,
		prober:      &health.Prober{Timeout: health.DefaultTimeout},
		workdir:     workdir,
		networkName: networkName,
		bridgeName:  bridgeName,
		gateway:     gateway,
		imagePath:   imagePath,
		timings:     timings,
		cancels:     make(map[string]context.CancelFunc),
	}
}

func (m *Manager) diskPath(name string) string {
	return filepath.Join(m.workdir, fmt.Sprintf("%s-disk.qcow2", name))
}

func (m *Manager) cloudInitPath(name string) string {
	return filepath.Join(m.workdir, fmt.Sprintf("%s-cloud-init.iso", name))
}

// Launch runs a VM from Launching through to either HealthcheckInitializing
// (on success) or removal from the fleet (on failure). The record must
// already be registered in the fleet store, in StateLaunching, by the
// caller. Call Launch in its own goroutine; it blocks until the domain is
// created or creation fails, then returns after handing off to the
// configure and probe side-tasks.
func (m *Manager) Launch(ctx context.Context, rec *vm.Record) {
	log := m.logger.With("name", rec.Name, "ip", rec.IPAddress)

	if err := m.createDomain(rec); err != nil {
		log.Error("launch failed", "error", err)
		m.fleet.Remove(rec.Name)
		return
	}

	now := time.Now()
	m.fleet.Update(rec.Name, false, func(r *vm.Record) {
		r.State = vm.StateHealthcheckInitializing
		r.StartedAt = &now
	})

	probeCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[rec.Name] = cancel
	m.mu.Unlock()

	go m.runConfigure(ctx, rec.Name, rec.IPAddress)
	go m.runProbe(probeCtx, rec.Name, rec.IPAddress)
}

// SetSSHAuthorizedKey stamps pubKey into every VM's cloud-init user-data,
// so the post-boot configuration step can authenticate.
func (m *Manager) SetSSHAuthorizedKey(pubKey string) {
	m.sshAuthorizedKey = pubKey
}

// ensureNetwork creates the shared NAT network on the first launch that
// needs it. A failed creation is not latched, so the next launch retries.
func (m *Manager) ensureNetwork() error {
	m.netMu.Lock()
	defer m.netMu.Unlock()

	if m.networkReady {
		return nil
	}

	xmlDesc, err := network.DomainXML(m.networkName, m.bridgeName)
	if err != nil {
		return err
	}

	if err := m.hypervisor.CreateNetwork(m.networkName, xmlDesc); err != nil {
		return fmt.Errorf("lifecycle: unable to create shared network %s: %w", m.networkName, err)
	}

	m.networkReady = true
	return nil
}

func (m *Manager) createDomain(rec *vm.Record) error {
	if err := m.ensureNetwork(); err != nil {
		return err
	}

	diskPath := m.diskPath(rec.Name)
	isoPath := m.cloudInitPath(rec.Name)

	if err := m.cloner.Clone(m.imagePath, diskPath); err != nil {
		return fmt.Errorf("lifecycle: unable to clone disk for %s: %w", rec.Name, err)
	}

	ciCfg := &cloudinit.Config{
		MetaData: cloudinit.MetaData{
			InstanceID:    rec.ID,
			LocalHostname: rec.Name,
		},
		VendorData: cloudinit.VendorConfig{
			SSHKey: m.sshAuthorizedKey,
		},
		NetworkData: cloudinit.NetworkData{
			IPAddress: rec.IPAddress,
			Gateway:   m.gateway,
		},
	}
	if err := m.ci.Apply(ciCfg, isoPath); err != nil {
		return fmt.Errorf("lifecycle: unable to render cloud-init seed for %s: %w", rec.Name, err)
	}

	spec := hypervisor.DomainSpec{
		Name:         rec.Name,
		CPUs:         int(rec.CPUs),
		MemoryKiB:    uint(rec.MemoryKiB),
		DiskPath:     diskPath,
		CloudInitISO: isoPath,
		NetworkName:  m.networkName,
		IPAddress:    rec.IPAddress,
	}
	if err := m.hypervisor.CreateDomain(spec); err != nil {
		return fmt.Errorf("lifecycle: unable to create domain %s: %w", rec.Name, err)
	}

	return nil
}

// runConfigure waits ConfigurationInitialDelay, then attempts the SSH
// setup script up to ConfigurationRetries times, spaced by
// ConfigurationRetryInterval. Exhausting retries demotes the record
// straight to Unhealthy; the reconciler reaps it from there.
func (m *Manager) runConfigure(ctx context.Context, name, ip string) {
	log := m.logger.With("name", name)

	if !sleepCtx(ctx, m.timings.ConfigurationInitialDelay) {
		return
	}

	var lastErr error
	for attempt := 0; attempt < m.timings.ConfigurationRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if err := m.configurer.Configure(ctx, ip); err == nil {
			return
		} else {
			lastErr = err
			log.Debug("configuration attempt failed", "attempt", attempt, "error", err)
		}

		if !sleepCtx(ctx, m.timings.ConfigurationRetryInterval) {
			return
		}
	}

	log.Warn("configuration retries exhausted, marking unhealthy", "error", lastErr)
	m.fleet.Update(name, false, func(r *vm.Record) {
		r.State = vm.StateUnhealthy
	})
	m.fleet.Notify()
}

// runProbe begins probing HealthcheckStartDelay after launch and
// continues every HealthcheckInterval until cancelled.
func (m *Manager) runProbe(ctx context.Context, name, ip string) {
	log := m.logger.With("name", name)

	if !sleepCtx(ctx, m.timings.HealthcheckStartDelay) {
		return
	}

	ticker := time.NewTicker(m.timings.HealthcheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := m.prober.Probe(ctx, ip, m.timings.HealthcheckPort) == nil
			m.recordProbe(log, name, ok)
		}
	}
}

func (m *Manager) recordProbe(log hclog.Logger, name string, ok bool) {
	transitioned := false

	m.fleet.Update(name, false, func(r *vm.Record) {
		if ok {
			r.NSuccessHealthchecks = saturate(r.NSuccessHealthchecks+1, m.timings.HealthcheckHealthyThreshold)
			if r.State == vm.StateHealthcheckInitializing && r.NSuccessHealthchecks >= m.timings.HealthcheckHealthyThreshold {
				r.State = vm.StateHealthy
				r.NFailedHealthchecks = 0
				transitioned = true
			}
			return
		}

		r.NFailedHealthchecks = saturate(r.NFailedHealthchecks+1, m.timings.HealthcheckUnhealthyThreshold)
		if r.State == vm.StateHealthy && r.NFailedHealthchecks >= m.timings.HealthcheckUnhealthyThreshold {
			r.State = vm.StateUnhealthy
			r.NSuccessHealthchecks = 0
			transitioned = true
		}
	})

	if transitioned {
		log.Debug("health state transition", "name", name, "ok", ok)
		m.fleet.Notify()
	}
}

// MarkTerminating attempts to move the named record to Terminating. It
// reports whether this call performed the transition: the fleet store's
// Update is a no-op on a record already Terminating (or missing), so a
// caller that gets false back knows a destroy worker is already in flight
// (or the record is already gone) and must not spawn a second one.
func (m *Manager) MarkTerminating(name string) bool {
	transitioned := false
	m.fleet.Update(name, false, func(r *vm.Record) {
		r.State = vm.StateTerminating
		transitioned = true
	})
	return transitioned
}

// Destroy runs the Terminating destroy sequence for name: cancel the
// prober, call hypervisor destroy, best-effort clean up on-disk artifacts,
// remove from the fleet. A hypervisor destroy failure is returned without
// removing the record, so a future reconciliation can retry.
func (m *Manager) Destroy(name string) error {
	log := m.logger.With("name", name)

	m.mu.Lock()
	if cancel, ok := m.cancels[name]; ok {
		cancel()
		delete(m.cancels, name)
	}
	m.mu.Unlock()

	if err := m.hypervisor.DestroyDomain(name); err != nil {
		return fmt.Errorf("lifecycle: unable to destroy domain %s: %w", name, err)
	}

	if err := os.Remove(m.diskPath(name)); err != nil && !os.IsNotExist(err) {
		log.Warn("unable to remove disk copy", "error", err)
	}
	if err := os.Remove(m.cloudInitPath(name)); err != nil && !os.IsNotExist(err) {
		log.Warn("unable to remove cloud-init media", "error", err)
	}

	if rec := m.fleet.Remove(name); rec == nil {
		log.Warn("destroy: record already absent from fleet")
	}

	return nil
}

func saturate(n, max int) int {
	if n > max {
		return max
	}
	return n
}

// sleepCtx waits for d or ctx cancellation, whichever comes first. It
// reports whether the sleep completed without cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
