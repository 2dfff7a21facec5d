// Command wsod is the fleet autoscaler daemon. It loads its configuration
// from the environment, reconciles the VM fleet toward the desired size,
// and serves the line-oriented control protocol until SIGTERM/SIGINT.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wso-systems/wsod/internal/cloudinit"
	"github.com/wso-systems/wsod/internal/config"
	"github.com/wso-systems/wsod/internal/control"
	"github.com/wso-systems/wsod/internal/daemonutil"
	"github.com/wso-systems/wsod/internal/fleet"
	"github.com/wso-systems/wsod/internal/hypervisor"
	"github.com/wso-systems/wsod/internal/lifecycle"
	"github.com/wso-systems/wsod/internal/network"
	"github.com/wso-systems/wsod/internal/provision"
	"github.com/wso-systems/wsod/internal/reconcile"
	"github.com/wso-systems/wsod/internal/shutdown"
)

const sshConfigureTimeout = 10 * time.Minute

// Per-VM shape. Every fleet member is identically provisioned.
const (
	vmCPUs      = 2
	vmMemoryKiB = 2 * 1024 * 1024
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wsod: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
		return fmt.Errorf("unable to create workdir %s: %w", cfg.Workdir, err)
	}

	pidPath := daemonutil.PIDFilePath(cfg.Workdir)
	if err := daemonutil.WritePIDFile(pidPath); err != nil {
		return err
	}
	defer daemonutil.RemovePIDFile(pidPath)

	logFile := daemonutil.NewLogWriter(daemonutil.LogFilePath(cfg.Workdir))
	defer logFile.Close()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "wsod",
		Level:  hclog.Debug,
		Output: io.MultiWriter(os.Stderr, logFile),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// The driver must outlive the signal context: the shutdown sweep still
	// needs the connection after SIGTERM to destroy domains and the network.
	hvCtx, hvCancel := context.WithCancel(context.Background())
	defer hvCancel()

	hv := hypervisor.New(hvCtx, logger, hypervisor.WithConnectionURI(cfg.HypervisorURL))
	defer hv.Close()

	store := fleet.New(logger)
	ci := cloudinit.NewGenerator(logger)
	cloner := provision.NewQemuImgCloner(logger)
	configurer := provision.NewSSHConfigurer(logger, cfg.SSHKeyPath, cfg.VMSetupScriptPath, sshConfigureTimeout)

	lm := lifecycle.NewManager(logger, store, hv, cloner, configurer, ci,
		cfg.Workdir, network.NetworkName, network.BridgeName, network.Gateway, cfg.ImagePath,
		lifecycle.Timings{
			HealthcheckStartDelay:         cfg.HealthcheckStartDelay,
			HealthcheckInterval:           cfg.HealthcheckInterval,
			HealthcheckHealthyThreshold:   cfg.HealthcheckHealthyThreshold,
			HealthcheckUnhealthyThreshold: cfg.HealthcheckUnhealthyThreshold,
			ConfigurationInitialDelay:     cfg.ConfigurationInitialDelay,
			ConfigurationRetryInterval:    cfg.ConfigurationRetryInterval,
			ConfigurationRetries:          cfg.ConfigurationRetries,
			HealthcheckPort:               cfg.HealthcheckPort,
		})

	// Authorize the configuration key on every guest, when one is set up.
	if cfg.SSHKeyPath != "" {
		if pub, err := os.ReadFile(cfg.SSHKeyPath + ".pub"); err == nil {
			lm.SetSSHAuthorizedKey(strings.TrimSpace(string(pub)))
		} else {
			logger.Warn("no public key next to SSH_KEY_PATH; guests will not authorize it", "error", err)
		}
	}

	rec := reconcile.New(logger, store, lm, network.RandomStrategy{}, reconcile.Config{
		CPUs:          vmCPUs,
		MemoryKiB:     vmMemoryKiB,
		ImagePath:     cfg.ImagePath,
		NetworkName:   network.NetworkName,
		BridgeName:    network.BridgeName,
		StateFilePath: reconcile.StateFilePath(cfg.Workdir),
	}, cfg.MinVMs)

	srv := control.New(logger, store, rec, cfg.HypervisorURL)
	srv.SetBounds(cfg.MinVMs, cfg.MaxVMs)
	addr := net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort))
	if err := srv.Listen(addr); err != nil {
		return err
	}

	logger.Info("daemon starting", "addr", addr, "hypervisor", cfg.HypervisorURL,
		"min_vms", cfg.MinVMs, "max_vms", cfg.MaxVMs)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		rec.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			logger.Error("control server failed", "error", err)
			stop()
		}
	}()

	// Kick the first reconciliation so MIN_VMS launches without waiting
	// for an operator command.
	store.Notify()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Steps 1-2 of the teardown sequence: the cancelled ctx has stopped
	// the listener and the reconciler; wait for both to wind down before
	// sweeping the fleet.
	wg.Wait()

	coord := shutdown.New(logger, store, lm, hv, network.NetworkName)
	if err := coord.Run(context.Background()); err != nil {
		return fmt.Errorf("teardown incomplete: %w", err)
	}

	logger.Info("teardown complete")
	return nil
}
