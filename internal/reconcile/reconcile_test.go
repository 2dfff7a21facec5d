package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/wso-systems/wsod/internal/cloudinit"
	"github.com/wso-systems/wsod/internal/fleet"
	"github.com/wso-systems/wsod/internal/hypervisor"
	"github.com/wso-systems/wsod/internal/lifecycle"
	"github.com/wso-systems/wsod/internal/network"
	"github.com/wso-systems/wsod/internal/vm"
)

type fakeHypervisor struct {
	created map[string]bool
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{created: make(map[string]bool)}
}

func (f *fakeHypervisor) CreateDomain(spec hypervisor.DomainSpec) error {
	f.created[spec.Name] = true
	return nil
}
func (f *fakeHypervisor) DestroyDomain(name string) error {
	delete(f.created, name)
	return nil
}
func (f *fakeHypervisor) DomainExists(name string) (bool, error)   { return f.created[name], nil }
func (f *fakeHypervisor) CreateNetwork(name, xmlDesc string) error { return nil }
func (f *fakeHypervisor) LookupNetwork(name string) (bool, error)  { return true, nil }
func (f *fakeHypervisor) DestroyNetwork(name string) error         { return nil }

type fakeCloner struct{}

func (fakeCloner) Clone(src, dst string) error { return nil }

type fakeConfigurer struct{}

func (fakeConfigurer) Configure(ctx context.Context, ip string) error { return nil }

func newTestReconciler(t *testing.T, desired int) (*Reconciler, *fleet.Store, *fakeHypervisor) {
	t.Helper()
	store := fleet.New(hclog.NewNullLogger())
	hv := newFakeHypervisor()
	ci := cloudinit.NewGenerator(hclog.NewNullLogger())

	lm := lifecycle.NewManager(hclog.NewNullLogger(), store, hv, fakeCloner{}, fakeConfigurer{}, ci,
		t.TempDir(), "wso-net", "wso-virbr", "192.168.100.1", "/tmp/base.qcow2", lifecycle.Timings{
			HealthcheckStartDelay:         time.Hour,
			HealthcheckInterval:           time.Hour,
			HealthcheckHealthyThreshold:   2,
			HealthcheckUnhealthyThreshold: 2,
			ConfigurationInitialDelay:     time.Hour,
			ConfigurationRetryInterval:    time.Hour,
			ConfigurationRetries:          1,
			HealthcheckPort:               9,
		})

	r := New(hclog.NewNullLogger(), store, lm, network.DeterministicStrategy{}, Config{
		CPUs:        1,
		MemoryKiB:   262144,
		ImagePath:   "/tmp/base.qcow2",
		NetworkName: "wso-net",
		BridgeName:  "wso-virbr",
	}, desired)

	return r, store, hv
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestReconciler_ScalesUpToDesired(t *testing.T) {
	r, store, _ := newTestReconciler(t, 3)

	r.reconcileOnce(context.Background())

	waitForCondition(t, time.Second, func() bool {
		return len(store.Snapshot()) == 3
	})
}

func TestReconciler_TrimsExcessHealthy(t *testing.T) {
	r, store, _ := newTestReconciler(t, 1)

	for i := 0; i < 3; i++ {
		rec := vm.NewRecord(must1(vm.NewID()), vm.Config{
			Name:      "wso-healthy" + string(rune('a'+i)),
			CPUs:      1,
			MemoryKiB: 1,
			ImagePath: "/tmp/base.qcow2",
			IPAddress: "192.168.100." + string(rune('2'+i)),
		})
		rec.State = vm.StateHealthy
		must.NoError(t, store.Insert(rec))
	}

	r.reconcileOnce(context.Background())

	waitForCondition(t, time.Second, func() bool {
		return len(store.Snapshot()) == 1
	})
}

func TestReconciler_DestroysUnhealthy(t *testing.T) {
	r, store, _ := newTestReconciler(t, 0)

	rec := vm.NewRecord(must1(vm.NewID()), vm.Config{
		Name:      "wso-unhealthy01",
		CPUs:      1,
		MemoryKiB: 1,
		ImagePath: "/tmp/base.qcow2",
		IPAddress: "192.168.100.2",
	})
	rec.State = vm.StateUnhealthy
	must.NoError(t, store.Insert(rec))

	r.reconcileOnce(context.Background())

	waitForCondition(t, time.Second, func() bool {
		return store.Get(rec.Name) == nil
	})
}

func TestReconciler_SetDesiredWakesLoop(t *testing.T) {
	r, store, _ := newTestReconciler(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.SetDesired(2)

	waitForCondition(t, time.Second, func() bool {
		return len(store.Snapshot()) == 2
	})
}

func must1(s string, err error) string {
	if err != nil {
		panic(errors.New("unexpected error in test fixture: " + err.Error()))
	}
	return s
}
