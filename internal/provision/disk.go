// Package provision drives the external tools that turn a bare domain
// definition into a usable VM: a qemu-img-backed thin disk copy and an
// SSH-based post-boot setup script.
package provision

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
)

// DiskCloner creates the per-VM disk used to boot a domain.
type DiskCloner interface {
	// Clone produces a qcow2 image at dst backed by the base image at
	// src.
	Clone(src, dst string) error
}

// QemuImgCloner shells out to qemu-img to create a copy-on-write disk
// chained to the base image.
type QemuImgCloner struct {
	logger hclog.Logger
}

func NewQemuImgCloner(logger hclog.Logger) *QemuImgCloner {
	return &QemuImgCloner{logger: logger.Named("qemu-img")}
}

func (q *QemuImgCloner) Clone(src, dst string) error {
	q.logger.Debug("cloning base image", "src", src, "dst", dst)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("provision: unable to create disk directory for %s: %w", dst, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command("qemu-img", "create", "-b", src, "-f", "qcow2", "-F", "qcow2", dst)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		q.logger.Error("qemu-img create failed", "stderr", stderr.String())
		return fmt.Errorf("provision: unable to clone disk %s: %w", dst, err)
	}

	q.logger.Debug("qemu-img create output", "stdout", stdout.String())
	return nil
}
