// Package vm defines the VM record data model shared by the fleet store,
// the lifecycle workers and the reconciler.
package vm

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// State is one of the per-VM lifecycle states.
type State string

const (
	StateLaunching               State = "launching"
	StateHealthcheckInitializing State = "healthcheck_initializing"
	StateHealthy                 State = "healthy"
	StateUnhealthy               State = "unhealthy"
	StateTerminating             State = "terminating"
)

// Running reports whether the state counts toward fleet cardinality for
// under-capacity purposes.
func (s State) Running() bool {
	switch s {
	case StateLaunching, StateHealthcheckInitializing, StateHealthy:
		return true
	default:
		return false
	}
}

var (
	ErrEmptyName         = errors.New("vm: name cannot be empty")
	ErrEmptyImage        = errors.New("vm: image path cannot be empty")
	ErrNoCPUs            = errors.New("vm: cpus must be at least 1")
	ErrNoMemory          = errors.New("vm: memory_kib must be positive")
	ErrBridgeNameTooLong = fmt.Errorf("vm: bridge name exceeds the %d character OS interface-name limit", MaxBridgeNameLength)
	ErrNotFound          = errors.New("vm: record not found")
	ErrAlreadyExists     = errors.New("vm: record already exists")
)

// MaxBridgeNameLength is the OS-imposed limit on network interface
// names.
const MaxBridgeNameLength = 15

// Record is one managed VM, keyed by Name within the fleet store.
type Record struct {
	ID   string
	Name string

	State State

	CPUs      uint
	MemoryKiB uint64
	ImagePath string

	NetworkName string
	BridgeName  string
	IPAddress   string

	NSuccessHealthchecks int
	NFailedHealthchecks  int

	StartedAt *time.Time
}

// Copy returns a deep-enough copy for safe inclusion in a Snapshot: every
// field is either a value type or, for StartedAt, copied by dereference.
func (r *Record) Copy() *Record {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	return &cp
}

// Config carries the provisioning parameters for a new Record, validated
// once at creation time and immutable afterwards.
type Config struct {
	Name      string
	CPUs      uint
	MemoryKiB uint64
	ImagePath string

	NetworkName string
	BridgeName  string
	IPAddress   string
}

func (c *Config) Validate() error {
	var mErr *multierror.Error

	if c.Name == "" {
		mErr = multierror.Append(mErr, ErrEmptyName)
	}
	if c.ImagePath == "" {
		mErr = multierror.Append(mErr, ErrEmptyImage)
	}
	if c.CPUs < 1 {
		mErr = multierror.Append(mErr, ErrNoCPUs)
	}
	if c.MemoryKiB == 0 {
		mErr = multierror.Append(mErr, ErrNoMemory)
	}
	if len(c.BridgeName) > MaxBridgeNameLength {
		mErr = multierror.Append(mErr, ErrBridgeNameTooLong)
	}

	return mErr.ErrorOrNil()
}

// NewRecord builds a fresh Record in StateLaunching from a validated Config.
func NewRecord(id string, c Config) *Record {
	return &Record{
		ID:          id,
		Name:        c.Name,
		State:       StateLaunching,
		CPUs:        c.CPUs,
		MemoryKiB:   c.MemoryKiB,
		ImagePath:   c.ImagePath,
		NetworkName: c.NetworkName,
		BridgeName:  c.BridgeName,
		IPAddress:   c.IPAddress,
	}
}
