package reconcile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/wso-systems/wsod/internal/vm"
)

func TestWriteStateFile(t *testing.T) {
	r, store, _ := newTestReconciler(t, 0)
	r.cfg.StateFilePath = filepath.Join(t.TempDir(), "state.json")

	rec := vm.NewRecord("id-1", vm.Config{
		Name:      "wso-statefile01",
		CPUs:      1,
		MemoryKiB: 1,
		ImagePath: "/tmp/base.qcow2",
		IPAddress: "192.168.100.2",
	})
	rec.State = vm.StateHealthy
	must.NoError(t, store.Insert(rec))

	r.writeStateFile(store.Snapshot())

	buf, err := os.ReadFile(r.cfg.StateFilePath)
	must.NoError(t, err)

	var out map[string]stateFileEntry
	must.NoError(t, json.Unmarshal(buf, &out))
	must.Eq(t, 1, len(out))
	must.Eq(t, "id-1", out["wso-statefile01"].ID)
	must.Eq(t, string(vm.StateHealthy), out["wso-statefile01"].State)
}

func TestWriteStateFile_DisabledWhenUnset(t *testing.T) {
	r, store, _ := newTestReconciler(t, 0)
	r.cfg.StateFilePath = ""

	r.writeStateFile(store.Snapshot())
}
