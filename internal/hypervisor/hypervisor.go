// Package hypervisor wraps the libvirt connection the daemon drives:
// domain and network create/destroy/lookup.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"
)

var (
	// ErrDomainExists is returned by CreateDomain when a domain with the
	// same name is already defined.
	ErrDomainExists = errors.New("hypervisor: domain already exists")

	// ErrDomainNotFound is returned by operations addressing a domain or
	// network that libvirt does not know about.
	ErrDomainNotFound = errors.New("hypervisor: domain not found")

	// ErrConnectionClosed is returned once the driver has observed its
	// context cancelled; no further libvirt calls are attempted.
	ErrConnectionClosed = errors.New("hypervisor: connection is closed")
)

// Hypervisor is the narrow surface the daemon's provisioning and lifecycle
// code needs from libvirt. A single implementation (Driver) backs it in
// production; tests substitute a fake.
type Hypervisor interface {
	CreateDomain(spec DomainSpec) error
	DestroyDomain(name string) error
	DomainExists(name string) (bool, error)

	CreateNetwork(name, xmlDesc string) error
	LookupNetwork(name string) (bool, error)
	DestroyNetwork(name string) error
}

// Driver is the libvirt-backed Hypervisor implementation: a single
// qemu:///system connection, reconnected lazily if lost.
type Driver struct {
	ctx    context.Context
	uri    string
	logger hclog.Logger

	m      sync.Mutex
	conn   *libvirt.Connect
	closed bool
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithConnectionURI overrides the default qemu:///system libvirt URI.
func WithConnectionURI(uri string) Option {
	return func(d *Driver) {
		d.uri = uri
	}
}

// New constructs a Driver. The connection is established lazily on first
// use; ctx cancellation closes it and blocks further use.
func New(ctx context.Context, logger hclog.Logger, opts ...Option) *Driver {
	d := &Driver{
		ctx:    ctx,
		uri:    "qemu:///system",
		logger: logger.Named("hypervisor"),
	}

	for _, opt := range opts {
		opt(d)
	}

	go d.monitorCtx()

	return d
}

func (d *Driver) monitorCtx() {
	<-d.ctx.Done()

	d.m.Lock()
	defer d.m.Unlock()

	d.closed = true
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

func (d *Driver) connection() (*libvirt.Connect, error) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.closed {
		return nil, ErrConnectionClosed
	}

	if d.conn != nil {
		if alive, err := d.conn.IsAlive(); alive {
			return d.conn, nil
		} else if err != nil {
			d.logger.Warn("connection alive check failed", "error", err)
		}
	}

	conn, err := libvirt.NewConnect(d.uri)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: unable to connect to %s: %w", d.uri, err)
	}

	d.conn = conn
	return d.conn, nil
}

func (d *Driver) lookupDomain(conn *libvirt.Connect, name string) (*libvirt.Domain, error) {
	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		var lverr libvirt.Error
		if errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("hypervisor: unable to look up domain %s: %w", name, err)
	}
	return dom, nil
}

// DomainExists reports whether a domain with the given name is defined.
func (d *Driver) DomainExists(name string) (bool, error) {
	conn, err := d.connection()
	if err != nil {
		return false, err
	}

	dom, err := d.lookupDomain(conn, name)
	if err != nil {
		return false, err
	}
	if dom == nil {
		return false, nil
	}

	defer dom.Free()
	return true, nil
}

// CreateDomain renders and defines the domain XML for spec, then starts
// it. It fails with ErrDomainExists if a domain by that name is already
// defined: launch is a create-once operation, and the lifecycle worker
// owns retry semantics, not this layer.
func (d *Driver) CreateDomain(spec DomainSpec) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	existing, err := d.lookupDomain(conn, spec.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		defer existing.Free()
		return fmt.Errorf("hypervisor: %s: %w", spec.Name, ErrDomainExists)
	}

	xml, err := domainXML(spec)
	if err != nil {
		return err
	}

	d.logger.Debug("defining domain", "name", spec.Name, "ip", spec.IPAddress)

	dom, err := conn.DomainDefineXML(xml)
	if err != nil {
		return fmt.Errorf("hypervisor: unable to define domain %s: %w", spec.Name, err)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return fmt.Errorf("hypervisor: unable to start domain %s: %w", spec.Name, err)
	}

	return nil
}

// DestroyDomain forcibly stops and undefines the domain. It is
// idempotent: a domain already stopped or already undefined is not an
// error, so a destroy worker can safely retry.
func (d *Driver) DestroyDomain(name string) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	dom, err := d.lookupDomain(conn, name)
	if err != nil {
		return err
	}
	if dom == nil {
		return nil
	}
	defer dom.Free()

	if err := dom.Destroy(); err != nil {
		var lverr libvirt.Error
		if !errors.As(err, &lverr) || lverr.Code != libvirt.ERR_OPERATION_INVALID {
			return fmt.Errorf("hypervisor: unable to destroy domain %s: %w", name, err)
		}
	}

	if err := dom.Undefine(); err != nil {
		var lverr libvirt.Error
		if errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_DOMAIN {
			return nil
		}
		return fmt.Errorf("hypervisor: unable to undefine domain %s: %w", name, err)
	}

	return nil
}

// LookupNetwork reports whether the named network is defined.
func (d *Driver) LookupNetwork(name string) (bool, error) {
	conn, err := d.connection()
	if err != nil {
		return false, err
	}

	net, err := conn.LookupNetworkByName(name)
	if err != nil {
		var lverr libvirt.Error
		if errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_NETWORK {
			return false, nil
		}
		return false, fmt.Errorf("hypervisor: unable to look up network %s: %w", name, err)
	}
	defer net.Free()

	return true, nil
}

// CreateNetwork defines and starts the shared NAT network from a
// caller-supplied XML description (see internal/network.DomainXML). It is
// idempotent: if the network is already defined, it is left untouched.
func (d *Driver) CreateNetwork(name, xmlDesc string) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	exists, err := d.LookupNetwork(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	net, err := conn.NetworkDefineXML(xmlDesc)
	if err != nil {
		return fmt.Errorf("hypervisor: unable to define network %s: %w", name, err)
	}
	defer net.Free()

	if err := net.Create(); err != nil {
		return fmt.Errorf("hypervisor: unable to start network %s: %w", name, err)
	}

	return nil
}

// DestroyNetwork stops and undefines the shared NAT network. Idempotent:
// a missing network is not an error.
func (d *Driver) DestroyNetwork(name string) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	net, err := conn.LookupNetworkByName(name)
	if err != nil {
		var lverr libvirt.Error
		if errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_NETWORK {
			return nil
		}
		return fmt.Errorf("hypervisor: unable to look up network %s: %w", name, err)
	}
	defer net.Free()

	if err := net.Destroy(); err != nil {
		var lverr libvirt.Error
		if !errors.As(err, &lverr) || lverr.Code != libvirt.ERR_OPERATION_INVALID {
			return fmt.Errorf("hypervisor: unable to destroy network %s: %w", name, err)
		}
	}

	if err := net.Undefine(); err != nil {
		return fmt.Errorf("hypervisor: unable to undefine network %s: %w", name, err)
	}

	return nil
}

// Close releases the underlying connection, if any.
func (d *Driver) Close() error {
	d.m.Lock()
	defer d.m.Unlock()

	if d.conn == nil {
		return nil
	}

	_, err := d.conn.Close()
	d.conn = nil
	return err
}
