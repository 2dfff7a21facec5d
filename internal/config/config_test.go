package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	must.NoError(t, err)

	must.Eq(t, defaultHypervisorURL, cfg.HypervisorURL)
	must.Eq(t, defaultServerHost, cfg.ServerHost)
	must.Eq(t, defaultServerPort, cfg.ServerPort)
	must.Eq(t, defaultHealthcheckPort, cfg.HealthcheckPort)
	must.Eq(t, defaultHCStartDelay, cfg.HealthcheckStartDelay)
	must.Eq(t, defaultHCInterval, cfg.HealthcheckInterval)
	must.Eq(t, defaultHCHealthyThresh, cfg.HealthcheckHealthyThreshold)
	must.Eq(t, defaultHCUnhealthyThresh, cfg.HealthcheckUnhealthyThreshold)
	must.Eq(t, defaultCfgRetries, cfg.ConfigurationRetries)
	must.Eq(t, defaultMinVMs, cfg.MinVMs)
	must.Eq(t, defaultMaxVMs, cfg.MaxVMs)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, envHypervisorURL, "qemu+ssh://example/system")
	setEnv(t, envServerPort, "9200")
	setEnv(t, envHCInterval, "15")
	setEnv(t, envMinVMs, "3")
	setEnv(t, envMaxVMs, "9")

	cfg, err := Load()
	must.NoError(t, err)

	must.Eq(t, "qemu+ssh://example/system", cfg.HypervisorURL)
	must.Eq(t, 9200, cfg.ServerPort)
	must.Eq(t, 15*time.Second, cfg.HealthcheckInterval)
	must.Eq(t, 3, cfg.MinVMs)
	must.Eq(t, 9, cfg.MaxVMs)
}

func TestLoad_InvalidInt(t *testing.T) {
	setEnv(t, envServerPort, "not-a-number")

	_, err := Load()
	must.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "base.qcow2")
	must.NoError(t, os.WriteFile(imagePath, []byte("fake-image"), 0o644))

	tests := []struct {
		name      string
		cfg       Config
		wantError bool
	}{
		{
			name: "valid",
			cfg: Config{
				ImagePath: imagePath,
				Workdir:   dir,
				MinVMs:    1,
				MaxVMs:    10,
			},
		},
		{
			name: "missing image path",
			cfg: Config{
				Workdir: dir,
				MinVMs:  1,
				MaxVMs:  10,
			},
			wantError: true,
		},
		{
			name: "image path does not exist",
			cfg: Config{
				ImagePath: filepath.Join(dir, "missing.qcow2"),
				Workdir:   dir,
				MinVMs:    1,
				MaxVMs:    10,
			},
			wantError: true,
		},
		{
			name: "missing workdir",
			cfg: Config{
				ImagePath: imagePath,
				MinVMs:    1,
				MaxVMs:    10,
			},
			wantError: true,
		},
		{
			name: "min exceeds max",
			cfg: Config{
				ImagePath: imagePath,
				Workdir:   dir,
				MinVMs:    20,
				MaxVMs:    10,
			},
			wantError: true,
		},
		{
			name: "negative min",
			cfg: Config{
				ImagePath: imagePath,
				Workdir:   dir,
				MinVMs:    -1,
				MaxVMs:    10,
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantError {
				must.Error(t, err)
			} else {
				must.NoError(t, err)
			}
		})
	}
}
