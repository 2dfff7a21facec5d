package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wso-systems/wsod/internal/config"
	"github.com/wso-systems/wsod/internal/daemonutil"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the wsod daemon in the background",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running wsod daemon",
	RunE:  runStop,
}

func pidFilePath() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.Workdir == "" {
		return "", fmt.Errorf("WORKDIR must be set")
	}
	return daemonutil.PIDFilePath(cfg.Workdir), nil
}

// wsodBinary locates the daemon binary: next to wsoctl first, then PATH.
func wsodBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "wsod")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	return exec.LookPath("wsod")
}

func runStart(cmd *cobra.Command, args []string) error {
	pidPath, err := pidFilePath()
	if err != nil {
		return err
	}

	if pid, err := daemonutil.ReadPIDFile(pidPath); err == nil {
		if proc, err := os.FindProcess(pid); err == nil && proc.Signal(syscall.Signal(0)) == nil {
			return fmt.Errorf("daemon already running (pid %d)", pid)
		}
	}

	bin, err := wsodBinary()
	if err != nil {
		return fmt.Errorf("unable to locate wsod binary: %w", err)
	}

	daemon := exec.Command(bin)
	daemon.Env = os.Environ()
	daemon.Stdout = nil
	daemon.Stderr = nil
	daemon.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := daemon.Start(); err != nil {
		return fmt.Errorf("unable to start daemon: %w", err)
	}
	if err := daemon.Process.Release(); err != nil {
		return fmt.Errorf("unable to detach daemon: %w", err)
	}

	// Wait for the daemon to write its PID file so a failed startup is
	// reported here instead of silently backgrounded.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pid, err := daemonutil.ReadPIDFile(pidPath); err == nil {
			fmt.Printf("daemon started (pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("daemon did not write %s within 5s; check %s",
		pidPath, daemonutil.LogFilePath(filepath.Dir(pidPath)))
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath, err := pidFilePath()
	if err != nil {
		return err
	}

	pid, err := daemonutil.ReadPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("unable to signal pid %d: %w", pid, err)
	}

	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}
