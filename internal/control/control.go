// Package control implements the line-oriented TCP control protocol an
// operator uses to inspect and resize the fleet: one connection, one
// command, one response, then close.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wso-systems/wsod/internal/fleet"
)

const (
	// maxRequestBytes bounds a single command line.
	maxRequestBytes = 1024

	// DefaultMinDesired and DefaultMaxDesired bound "scale N" when the
	// operator has not overridden MIN_VMS / MAX_VMS.
	DefaultMinDesired = 1
	DefaultMaxDesired = 100

	readTimeout = 5 * time.Second
)

// Desired is the subset of *reconcile.Reconciler the control server needs:
// read and write the target fleet size. It is satisfied by
// *reconcile.Reconciler; the interface here exists so this package does not
// import reconcile (the reconciler already imports fleet/lifecycle, and
// control sits above both in the dependency graph).
type Desired interface {
	SetDesired(n int)
	Desired() int
}

// Server accepts control connections on a single TCP listener and serves
// one command per connection.
type Server struct {
	logger     hclog.Logger
	fleet      *fleet.Store
	desired    Desired
	hypervisor string
	listener   net.Listener

	minDesired int
	maxDesired int
}

// New builds a Server. hypervisorURL is stamped into the `state`
// response's top-level key.
func New(logger hclog.Logger, store *fleet.Store, desired Desired, hypervisorURL string) *Server {
	return &Server{
		logger:     logger.Named("control"),
		fleet:      store,
		desired:    desired,
		hypervisor: hypervisorURL,
		minDesired: DefaultMinDesired,
		maxDesired: DefaultMaxDesired,
	}
}

// SetBounds overrides the accepted "scale N" range (MIN_VMS / MAX_VMS).
func (s *Server) SetBounds(min, max int) {
	s.minDesired = min
	s.maxDesired = max
}

// Listen binds addr ("host:port") without yet accepting connections, so
// callers can observe a bind failure before committing to Serve.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: unable to listen on %s: %w", addr, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound listener's address. Listen must have succeeded.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done, which it observes by
// closing the listener.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: accept failed: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	limited := io.LimitReader(conn, maxRequestBytes)
	line, err := bufio.NewReader(limited).ReadString('\n')
	if err != nil && line == "" {
		s.writeError(conn, "empty request")
		return
	}
	line = strings.TrimSpace(line)

	status, body := s.dispatch(line)
	if _, err := fmt.Fprintf(conn, "%s\n%s", status, body); err != nil {
		s.logger.Debug("unable to write response", "error", err)
	}
}

func (s *Server) dispatch(line string) (status, body string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR", "unknown command\n"
	}

	switch fields[0] {
	case "state":
		return s.handleState()
	case "scale":
		return s.handleScale(fields[1:])
	default:
		return "ERROR", "unknown command\n"
	}
}

func (s *Server) handleState() (string, string) {
	snapshot := snapshotJSON{Domains: make(map[string]domainJSON)}
	for _, rec := range s.fleet.Snapshot() {
		snapshot.Domains[rec.Name] = domainJSON{
			ID:                   rec.ID,
			State:                string(rec.State),
			CPUs:                 rec.CPUs,
			MemoryKiB:            rec.MemoryKiB,
			IPAddress:            rec.IPAddress,
			NSuccessHealthchecks: rec.NSuccessHealthchecks,
			NFailedHealthchecks:  rec.NFailedHealthchecks,
			StartedAt:            rec.StartedAt,
		}
	}

	out := map[string]snapshotJSON{s.hypervisor: snapshot}
	body, err := json.Marshal(out)
	if err != nil {
		return "ERROR", "unable to serialize fleet state\n"
	}
	return "OK", string(body) + "\n"
}

func (s *Server) handleScale(args []string) (string, string) {
	if len(args) != 1 {
		return "ERROR", fmt.Sprintf("usage: scale N, where %d <= N <= %d\n", s.minDesired, s.maxDesired)
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n < s.minDesired || n > s.maxDesired {
		return "ERROR", fmt.Sprintf("usage: scale N, where %d <= N <= %d\n", s.minDesired, s.maxDesired)
	}

	s.desired.SetDesired(n)
	return "OK", fmt.Sprintf("desired size set to %d\n", n)
}

func (s *Server) writeError(conn net.Conn, msg string) {
	fmt.Fprintf(conn, "ERROR\n%s\n", msg)
}

type snapshotJSON struct {
	Domains map[string]domainJSON `json:"domains"`
}

type domainJSON struct {
	ID                   string     `json:"id"`
	State                string     `json:"state"`
	CPUs                 uint       `json:"cpus"`
	MemoryKiB            uint64     `json:"memory_kib"`
	IPAddress            string     `json:"ip_address"`
	NSuccessHealthchecks int        `json:"n_success_healthchecks"`
	NFailedHealthchecks  int        `json:"n_failed_healthchecks"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
}
