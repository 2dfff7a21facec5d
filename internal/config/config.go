// Package config loads the daemon's configuration from environment
// variables. Every knob carries a default; only IMAGE_PATH and WORKDIR are
// required, and those are checked by Validate rather than Load so tests
// can build configs without touching disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	envHypervisorURL     = "HYPERVISOR_URL"
	envImagePath         = "IMAGE_PATH"
	envQemuBinaryPath    = "QEMU_BINARY_PATH"
	envWorkdir           = "WORKDIR"
	envServerHost        = "SERVER_HOST"
	envServerPort        = "SERVER_PORT"
	envHealthcheckPort   = "HEALTHCHECK_PORT"
	envHCStartDelay      = "HEALTHCHECK_START_DELAY"
	envHCInterval        = "HEALTHCHECK_INTERVAL"
	envHCHealthyThresh   = "HEALTHCHECK_HEALTHY_THRESHOLD"
	envHCUnhealthyThresh = "HEALTHCHECK_UNHEALTHY_THRESHOLD"
	envCfgInitialDelay   = "CONFIGURATION_INITIAL_DELAY"
	envCfgRetryInterval  = "CONFIGURATION_RETRY_INTERVAL"
	envCfgRetries        = "CONFIGURATION_RETRIES"
	envMinVMs            = "MIN_VMS"
	envMaxVMs            = "MAX_VMS"
	envSSHKeyPath        = "SSH_KEY_PATH"
	envVMSetupScript     = "VM_SETUP_SCRIPT_PATH"

	defaultHypervisorURL     = "qemu:///system"
	defaultServerHost        = "127.0.0.1"
	defaultServerPort        = 9124
	defaultHealthcheckPort   = 22
	defaultHCStartDelay      = 10 * time.Second
	defaultHCInterval        = 5 * time.Second
	defaultHCHealthyThresh   = 2
	defaultHCUnhealthyThresh = 3
	defaultCfgInitialDelay   = 5 * time.Second
	defaultCfgRetryInterval  = 5 * time.Second
	defaultCfgRetries        = 6
	defaultMinVMs            = 1
	defaultMaxVMs            = 100
)

// Config is the fully resolved daemon configuration.
type Config struct {
	HypervisorURL  string
	ImagePath      string
	QemuBinaryPath string
	Workdir        string

	ServerHost string
	ServerPort int

	HealthcheckPort               int
	HealthcheckStartDelay         time.Duration
	HealthcheckInterval           time.Duration
	HealthcheckHealthyThreshold   int
	HealthcheckUnhealthyThreshold int

	ConfigurationInitialDelay  time.Duration
	ConfigurationRetryInterval time.Duration
	ConfigurationRetries       int

	MinVMs int
	MaxVMs int

	SSHKeyPath        string
	VMSetupScriptPath string
}

// Load reads configuration from the environment, applying defaults for
// every optional field. ImagePath is required; its presence (and the
// existence of the file it names) is checked by Validate, not here, so
// that callers can construct a Config in tests without touching disk.
func Load() (Config, error) {
	cfg := Config{
		HypervisorURL:  getEnv(envHypervisorURL, defaultHypervisorURL),
		ImagePath:      os.Getenv(envImagePath),
		QemuBinaryPath: os.Getenv(envQemuBinaryPath),
		Workdir:        os.Getenv(envWorkdir),

		ServerHost: getEnv(envServerHost, defaultServerHost),

		HealthcheckHealthyThreshold:   defaultHCHealthyThresh,
		HealthcheckUnhealthyThreshold: defaultHCUnhealthyThresh,

		ConfigurationRetries: defaultCfgRetries,

		MinVMs: defaultMinVMs,
		MaxVMs: defaultMaxVMs,

		SSHKeyPath:        os.Getenv(envSSHKeyPath),
		VMSetupScriptPath: os.Getenv(envVMSetupScript),
	}

	var err error
	if cfg.ServerPort, err = getEnvInt(envServerPort, defaultServerPort); err != nil {
		return Config{}, err
	}
	if cfg.HealthcheckPort, err = getEnvInt(envHealthcheckPort, defaultHealthcheckPort); err != nil {
		return Config{}, err
	}
	if cfg.HealthcheckStartDelay, err = getEnvSeconds(envHCStartDelay, defaultHCStartDelay); err != nil {
		return Config{}, err
	}
	if cfg.HealthcheckInterval, err = getEnvSeconds(envHCInterval, defaultHCInterval); err != nil {
		return Config{}, err
	}
	if cfg.HealthcheckHealthyThreshold, err = getEnvInt(envHCHealthyThresh, defaultHCHealthyThresh); err != nil {
		return Config{}, err
	}
	if cfg.HealthcheckUnhealthyThreshold, err = getEnvInt(envHCUnhealthyThresh, defaultHCUnhealthyThresh); err != nil {
		return Config{}, err
	}
	if cfg.ConfigurationInitialDelay, err = getEnvSeconds(envCfgInitialDelay, defaultCfgInitialDelay); err != nil {
		return Config{}, err
	}
	if cfg.ConfigurationRetryInterval, err = getEnvSeconds(envCfgRetryInterval, defaultCfgRetryInterval); err != nil {
		return Config{}, err
	}
	if cfg.ConfigurationRetries, err = getEnvInt(envCfgRetries, defaultCfgRetries); err != nil {
		return Config{}, err
	}
	if cfg.MinVMs, err = getEnvInt(envMinVMs, defaultMinVMs); err != nil {
		return Config{}, err
	}
	if cfg.MaxVMs, err = getEnvInt(envMaxVMs, defaultMaxVMs); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the fields Load cannot verify without touching disk:
// IMAGE_PATH must be set and name an existing file, WORKDIR must be set,
// and MinVMs must not exceed MaxVMs.
func (c Config) Validate() error {
	if c.ImagePath == "" {
		return fmt.Errorf("config: %s is required", envImagePath)
	}
	if _, err := os.Stat(c.ImagePath); err != nil {
		return fmt.Errorf("config: %s %q: %w", envImagePath, c.ImagePath, err)
	}
	if c.Workdir == "" {
		return fmt.Errorf("config: %s is required", envWorkdir)
	}
	if c.MinVMs > c.MaxVMs {
		return fmt.Errorf("config: %s (%d) must not exceed %s (%d)", envMinVMs, c.MinVMs, envMaxVMs, c.MaxVMs)
	}
	if c.MinVMs < 0 {
		return errors.New("config: MIN_VMS must not be negative")
	}

	return nil
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getEnvInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return n, nil
}

func getEnvSeconds(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return time.Duration(n) * time.Second, nil
}
