package provision

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Configurer runs the post-boot setup script over SSH against a freshly
// launched VM.
type Configurer interface {
	Configure(ctx context.Context, ip string) error
}

// SSHConfigurer invokes the operator-supplied setup script over SSH using
// the configured private key. It shells out the same way the disk cloner
// shells out to qemu-img: buffered stdout/stderr, a wrapped error on
// failure.
type SSHConfigurer struct {
	logger     hclog.Logger
	keyPath    string
	scriptPath string
	sshUser    string
	timeout    time.Duration
	run        func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

const defaultSSHUser = "root"

// NewSSHConfigurer builds a Configurer that runs scriptPath on the guest at
// ip via ssh -i keyPath, using the real ssh/scp binaries.
func NewSSHConfigurer(logger hclog.Logger, keyPath, scriptPath string, timeout time.Duration) *SSHConfigurer {
	return &SSHConfigurer{
		logger:     logger.Named("ssh-configurer"),
		keyPath:    keyPath,
		scriptPath: scriptPath,
		sshUser:    defaultSSHUser,
		timeout:    timeout,
		run:        runCommand,
	}
}

// Configure copies the setup script to the guest and executes it. A
// single attempt; retry/backoff across CONFIGURATION_RETRIES is the
// lifecycle worker's responsibility, not this layer's.
func (s *SSHConfigurer) Configure(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	remoteScript := "/tmp/wso-setup.sh"
	dest := fmt.Sprintf("%s@%s:%s", s.sshUser, ip, remoteScript)

	if _, stderr, err := s.run(ctx, "scp", s.scpArgs(dest)...); err != nil {
		return fmt.Errorf("provision: unable to copy setup script to %s: %w (%s)", ip, err, stderr)
	}

	target := fmt.Sprintf("%s@%s", s.sshUser, ip)
	if _, stderr, err := s.run(ctx, "ssh", s.sshArgs(target, "chmod +x "+remoteScript+" && "+remoteScript)...); err != nil {
		return fmt.Errorf("provision: unable to run setup script on %s: %w (%s)", ip, err, stderr)
	}

	return nil
}

func (s *SSHConfigurer) scpArgs(dest string) []string {
	return append(s.sshCommonArgs(), s.scriptPath, dest)
}

func (s *SSHConfigurer) sshArgs(target, remoteCmd string) []string {
	return append(s.sshCommonArgs(), target, remoteCmd)
}

func (s *SSHConfigurer) sshCommonArgs() []string {
	return []string{
		"-i", s.keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=5",
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
