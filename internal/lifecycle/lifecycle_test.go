package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/wso-systems/wsod/internal/cloudinit"
	"github.com/wso-systems/wsod/internal/fleet"
	"github.com/wso-systems/wsod/internal/hypervisor"
	"github.com/wso-systems/wsod/internal/vm"
)

type fakeHypervisor struct {
	mu          sync.Mutex
	created     map[string]hypervisor.DomainSpec
	failCreate  bool
	failDestroy bool
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{created: make(map[string]hypervisor.DomainSpec)}
}

func (f *fakeHypervisor) CreateDomain(spec hypervisor.DomainSpec) error {
	if f.failCreate {
		return errors.New("simulated create failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[spec.Name] = spec
	return nil
}

func (f *fakeHypervisor) DestroyDomain(name string) error {
	if f.failDestroy {
		return errors.New("simulated destroy failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.created, name)
	return nil
}

func (f *fakeHypervisor) DomainExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.created[name]
	return ok, nil
}

func (f *fakeHypervisor) CreateNetwork(name, xmlDesc string) error { return nil }
func (f *fakeHypervisor) LookupNetwork(name string) (bool, error)  { return true, nil }
func (f *fakeHypervisor) DestroyNetwork(name string) error         { return nil }

type fakeCloner struct{}

func (fakeCloner) Clone(src, dst string) error { return nil }

type fakeConfigurer struct {
	failTimes int
	calls     int
}

func (f *fakeConfigurer) Configure(ctx context.Context, ip string) error {
	f.calls++
	if f.calls <= f.failTimes {
		return errors.New("simulated configure failure")
	}
	return nil
}

func newTestManager(t *testing.T, hv hypervisor.Hypervisor, cloner *fakeCloner, configurer *fakeConfigurer) *Manager {
	t.Helper()
	store := fleet.New(hclog.NewNullLogger())
	ci := cloudinit.NewGenerator(hclog.NewNullLogger())

	timings := Timings{
		HealthcheckStartDelay:         10 * time.Millisecond,
		HealthcheckInterval:           10 * time.Millisecond,
		HealthcheckHealthyThreshold:   2,
		HealthcheckUnhealthyThreshold: 2,
		ConfigurationInitialDelay:     5 * time.Millisecond,
		ConfigurationRetryInterval:    5 * time.Millisecond,
		ConfigurationRetries:          3,
		HealthcheckPort:               9,
	}

	return NewManager(hclog.NewNullLogger(), store, hv, cloner, configurer, ci,
		t.TempDir(), "wso-net", "wso-virbr", "192.168.100.1", "/tmp/base.qcow2", timings)
}

func testRecord(name, ip string) *vm.Record {
	return &vm.Record{
		ID:        "abcd1234",
		Name:      name,
		State:     vm.StateLaunching,
		CPUs:      1,
		MemoryKiB: 262144,
		IPAddress: ip,
	}
}

func TestManager_Launch_Success(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(t, hv, &fakeCloner{}, &fakeConfigurer{})

	rec := testRecord("wso-launch01", "192.168.100.2")
	must.NoError(t, m.fleet.Insert(rec))
	m.Launch(context.Background(), rec)

	got := m.fleet.Get(rec.Name)
	must.NotNil(t, got)
	must.Eq(t, vm.StateHealthcheckInitializing, got.State)
	must.NotNil(t, got.StartedAt)

	exists, err := hv.DomainExists(rec.Name)
	must.NoError(t, err)
	must.True(t, exists)
}

func TestManager_Launch_CreateFailureRemovesRecord(t *testing.T) {
	hv := newFakeHypervisor()
	hv.failCreate = true
	m := newTestManager(t, hv, &fakeCloner{}, &fakeConfigurer{})

	rec := testRecord("wso-launchfail", "192.168.100.3")
	must.NoError(t, m.fleet.Insert(rec))
	m.Launch(context.Background(), rec)

	must.Nil(t, m.fleet.Get(rec.Name))
}

func TestManager_RecordProbe_PromotesToHealthy(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(t, hv, &fakeCloner{}, &fakeConfigurer{})

	rec := testRecord("wso-probe01", "192.168.100.4")
	rec.State = vm.StateHealthcheckInitializing
	must.NoError(t, m.fleet.Insert(rec))

	log := hclog.NewNullLogger()
	m.recordProbe(log, rec.Name, true)
	m.recordProbe(log, rec.Name, true)

	got := m.fleet.Get(rec.Name)
	must.Eq(t, vm.StateHealthy, got.State)
	must.Zero(t, got.NFailedHealthchecks)
}

func TestManager_RecordProbe_DemotesToUnhealthy(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(t, hv, &fakeCloner{}, &fakeConfigurer{})

	rec := testRecord("wso-probe02", "192.168.100.5")
	rec.State = vm.StateHealthy
	must.NoError(t, m.fleet.Insert(rec))

	log := hclog.NewNullLogger()
	m.recordProbe(log, rec.Name, false)
	m.recordProbe(log, rec.Name, false)

	got := m.fleet.Get(rec.Name)
	must.Eq(t, vm.StateUnhealthy, got.State)
	must.Zero(t, got.NSuccessHealthchecks)
}

func TestManager_RecordProbe_SingleFailureDoesNotDemote(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(t, hv, &fakeCloner{}, &fakeConfigurer{})

	rec := testRecord("wso-probe03", "192.168.100.6")
	rec.State = vm.StateHealthy
	must.NoError(t, m.fleet.Insert(rec))

	log := hclog.NewNullLogger()
	m.recordProbe(log, rec.Name, false)

	got := m.fleet.Get(rec.Name)
	must.Eq(t, vm.StateHealthy, got.State)
}

func TestManager_Destroy_RemovesArtifactsAndRecord(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(t, hv, &fakeCloner{}, &fakeConfigurer{})

	rec := testRecord("wso-destroy01", "192.168.100.7")
	must.NoError(t, m.fleet.Insert(rec))
	m.Launch(context.Background(), rec)
	must.NotNil(t, m.fleet.Get(rec.Name))

	must.NoError(t, m.Destroy(rec.Name))
	must.Nil(t, m.fleet.Get(rec.Name))

	exists, err := hv.DomainExists(rec.Name)
	must.NoError(t, err)
	must.False(t, exists)
}

func TestManager_Destroy_HypervisorFailureKeepsRecord(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(t, hv, &fakeCloner{}, &fakeConfigurer{})

	rec := testRecord("wso-destroy02", "192.168.100.8")
	must.NoError(t, m.fleet.Insert(rec))
	m.Launch(context.Background(), rec)

	hv.failDestroy = true
	err := m.Destroy(rec.Name)
	must.Error(t, err)
	must.NotNil(t, m.fleet.Get(rec.Name))
}

func TestManager_RunConfigure_RetriesThenSucceeds(t *testing.T) {
	hv := newFakeHypervisor()
	configurer := &fakeConfigurer{failTimes: 2}
	m := newTestManager(t, hv, &fakeCloner{}, configurer)

	rec := testRecord("wso-cfg01", "192.168.100.9")
	rec.State = vm.StateHealthcheckInitializing
	must.NoError(t, m.fleet.Insert(rec))

	m.runConfigure(context.Background(), rec.Name, rec.IPAddress)

	got := m.fleet.Get(rec.Name)
	must.Eq(t, vm.StateHealthcheckInitializing, got.State)
	must.Eq(t, 3, configurer.calls)
}

func TestManager_RunConfigure_ExhaustionMarksUnhealthy(t *testing.T) {
	hv := newFakeHypervisor()
	configurer := &fakeConfigurer{failTimes: 100}
	m := newTestManager(t, hv, &fakeCloner{}, configurer)

	rec := testRecord("wso-cfg02", "192.168.100.10")
	rec.State = vm.StateHealthcheckInitializing
	must.NoError(t, m.fleet.Insert(rec))

	m.runConfigure(context.Background(), rec.Name, rec.IPAddress)

	got := m.fleet.Get(rec.Name)
	must.Eq(t, vm.StateUnhealthy, got.State)
}
