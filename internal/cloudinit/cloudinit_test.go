package cloudinit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
)

func TestGenerator_Apply(t *testing.T) {
	g := NewGenerator(hclog.NewNullLogger())

	isoPath := filepath.Join(t.TempDir(), "wso-abc123-cloud-init.iso")
	cfg := &Config{
		MetaData: MetaData{
			InstanceID:    "abc123",
			LocalHostname: "wso-abc123",
		},
		VendorData: VendorConfig{
			SSHKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAA test@wso",
			RunCMD: []string{"echo ready"},
		},
		NetworkData: NetworkData{
			IPAddress: "192.168.100.10",
			Gateway:   "192.168.100.1",
		},
	}

	must.NoError(t, g.Apply(cfg, isoPath))

	info, err := os.Stat(isoPath)
	must.NoError(t, err)
	must.Positive(t, info.Size())
}

func TestGenerator_Apply_EmptyVendorData(t *testing.T) {
	g := NewGenerator(hclog.NewNullLogger())

	isoPath := filepath.Join(t.TempDir(), "wso-def456-cloud-init.iso")
	cfg := &Config{
		MetaData: MetaData{
			InstanceID:    "def456",
			LocalHostname: "wso-def456",
		},
		NetworkData: NetworkData{
			IPAddress: "192.168.100.11",
			Gateway:   "192.168.100.1",
		},
	}

	must.NoError(t, g.Apply(cfg, isoPath))
}
