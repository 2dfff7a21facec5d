package reconcile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/wso-systems/wsod/internal/vm"
)

// stateFileEntry is the advisory on-disk form of one fleet record. The
// file is written after every reconciliation pass for operator inspection
// and is never read back; the daemon reconstructs state from the
// hypervisor, not from disk.
type stateFileEntry struct {
	ID                   string     `json:"id"`
	State                string     `json:"state"`
	IPAddress            string     `json:"ip_address"`
	NSuccessHealthchecks int        `json:"n_success_healthchecks"`
	NFailedHealthchecks  int        `json:"n_failed_healthchecks"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
}

// writeStateFile dumps the snapshot to the configured state file path.
// Best effort: a failed write is logged at debug and otherwise ignored.
func (r *Reconciler) writeStateFile(snapshot []*vm.Record) {
	if r.cfg.StateFilePath == "" {
		return
	}

	out := make(map[string]stateFileEntry, len(snapshot))
	for _, rec := range snapshot {
		out[rec.Name] = stateFileEntry{
			ID:                   rec.ID,
			State:                string(rec.State),
			IPAddress:            rec.IPAddress,
			NSuccessHealthchecks: rec.NSuccessHealthchecks,
			NFailedHealthchecks:  rec.NFailedHealthchecks,
			StartedAt:            rec.StartedAt,
		}
	}

	buf, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		r.logger.Debug("unable to serialize state file", "error", err)
		return
	}

	tmp := r.cfg.StateFilePath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		r.logger.Debug("unable to write state file", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, r.cfg.StateFilePath); err != nil {
		r.logger.Debug("unable to move state file into place", "path", r.cfg.StateFilePath, "error", err)
	}
}

// StateFilePath returns the conventional advisory snapshot location under
// workdir.
func StateFilePath(workdir string) string {
	return filepath.Join(workdir, "state.json")
}
