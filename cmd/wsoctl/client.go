package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wso-systems/wsod/internal/config"
)

const dialTimeout = 5 * time.Second

// controlAddr resolves the daemon's control socket address from the same
// environment the daemon itself reads.
func controlAddr() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort)), nil
}

// sendCommand performs one control-protocol exchange: write the command
// line, read the status line, read the body until EOF. A non-OK status is
// reported as an error carrying the body text.
func sendCommand(command string) (string, error) {
	addr, err := controlAddr()
	if err != nil {
		return "", err
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return "", fmt.Errorf("unable to reach daemon at %s (is it running?): %w", addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(dialTimeout))

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("unable to send command: %w", err)
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("unable to read response status: %w", err)
	}
	status = strings.TrimSpace(status)

	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("unable to read response body: %w", err)
	}

	if status != "OK" {
		return "", fmt.Errorf("daemon returned %s: %s", status, strings.TrimSpace(string(body)))
	}

	return string(body), nil
}
