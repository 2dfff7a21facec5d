// Package cloudinit renders a NoCloud cloud-init seed (meta-data,
// user-data, network-config) and writes it to an ISO-9660 disk image the
// hypervisor attaches as a CD-ROM. The network-config document carries the
// static address each guest must come up with instead of DHCP.
package cloudinit

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"github.com/diskfs/go-diskfs/filesystem/iso9660"
	"github.com/hashicorp/go-hclog"
)

const templateFSRoot = "templates"

//go:embed templates
var templateFS embed.FS

const (
	metaDataTemplate    = "meta-data.tmpl"
	userDataTemplate    = "user-data.tmpl"
	networkConfigTmpl   = "network-config.tmpl"
	isoVolumeIdentifier = "cidata"
)

// MetaData mirrors the NoCloud meta-data document.
type MetaData struct {
	InstanceID    string
	LocalHostname string
}

// VendorConfig carries the post-boot configuration a VM needs: an SSH key
// for the provisioning step (internal/provision) to authenticate with, plus
// any bootstrap commands.
type VendorConfig struct {
	Password string
	SSHKey   string
	RunCMD   []string
	BootCMD  []string
}

// NetworkData fills in the static addressing the domain's NIC must come
// up with.
type NetworkData struct {
	IPAddress string
	Gateway   string
}

// Config is the full set of NoCloud documents for a single VM.
type Config struct {
	MetaData    MetaData
	VendorData  VendorConfig
	NetworkData NetworkData
}

// Generator renders Config into an ISO-9660 seed image at path.
type Generator struct {
	logger hclog.Logger
}

func NewGenerator(logger hclog.Logger) *Generator {
	return &Generator{logger: logger.Named("cloud-init")}
}

// seedDocuments maps each NoCloud document to the template that renders
// it. All three sit at the ISO root; the datasource looks them up by name.
var seedDocuments = []struct {
	file string
	tmpl string
}{
	{"meta-data", metaDataTemplate},
	{"user-data", userDataTemplate},
	{"network-config", networkConfigTmpl},
}

// Apply renders the seed documents and burns them to isoPath, replacing
// any existing image there.
func (g *Generator) Apply(cfg *Config, isoPath string) error {
	g.logger.Debug("rendering cloud-init seed", "instance", cfg.MetaData.InstanceID, "path", isoPath)

	rendered := make(map[string][]byte, len(seedDocuments))
	for _, doc := range seedDocuments {
		buf := &bytes.Buffer{}
		if err := g.render(cfg, doc.tmpl, buf); err != nil {
			return fmt.Errorf("cloudinit: unable to render %s for %s: %w", doc.file, cfg.MetaData.InstanceID, err)
		}
		rendered[doc.file] = buf.Bytes()
	}

	if err := g.burn(isoPath, rendered); err != nil {
		return fmt.Errorf("cloudinit: unable to write seed image for %s: %w", cfg.MetaData.InstanceID, err)
	}

	return nil
}

// burn writes the rendered documents into a fresh ISO-9660 image at
// isoPath, labeled so the NoCloud datasource recognizes it.
func (g *Generator) burn(isoPath string, docs map[string][]byte) error {
	img, err := os.Create(isoPath)
	if err != nil {
		return err
	}
	defer img.Close()

	// go-diskfs stages file contents on disk before finalizing.
	staging, err := os.MkdirTemp(filepath.Dir(isoPath), ".seed-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	fsys, err := iso9660.Create(img, 0, 0, 0, staging)
	if err != nil {
		return err
	}

	for _, doc := range seedDocuments {
		f, err := fsys.OpenFile("/"+doc.file, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return err
		}
		_, err = f.Write(docs[doc.file])
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}

	return fsys.Finalize(iso9660.FinalizeOptions{
		RockRidge:        true,
		VolumeIdentifier: isoVolumeIdentifier,
	})
}

func (g *Generator) render(cfg *Config, name string, out io.Writer) error {
	fsys, err := fs.Sub(templateFS, templateFSRoot)
	if err != nil {
		return err
	}

	tmpl, err := template.ParseFS(fsys, name)
	if err != nil {
		return err
	}

	return tmpl.Execute(out, cfg)
}
