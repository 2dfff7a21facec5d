// Package network builds the shared NAT network definition and allocates
// static per-VM IP addresses from its subnet.
package network

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/hashicorp/go-set/v2"
)

const (
	// Subnet is the NAT network's /24.
	Subnet = "192.168.100"

	// Gateway is the host-side address of the NAT network.
	Gateway = Subnet + ".1"

	minHostSuffix = 2
	maxHostSuffix = 254

	// maxAllocAttempts bounds the collision-check retry loop: exhaustion
	// must fail explicitly rather than loop forever.
	maxAllocAttempts = 512
)

// ErrSubnetExhausted is returned once every host suffix in the subnet is
// in use and a fresh draw cannot find a free one within the retry bound.
var ErrSubnetExhausted = errors.New("network: no free IP addresses remain in the subnet")

// Strategy picks a single IP address for a new VM, given the set of
// addresses already in use. It must return ErrSubnetExhausted (or a
// wrapped form of it) when the subnet has no remaining address.
type Strategy interface {
	Allocate(inUse *set.Set[string]) (string, error)
}

// RandomStrategy draws a uniformly random suffix in [2, 254] and retries
// on collision, bounded by maxAllocAttempts. This is the default strategy.
type RandomStrategy struct{}

func (RandomStrategy) Allocate(inUse *set.Set[string]) (string, error) {
	total := maxHostSuffix - minHostSuffix + 1
	if inUse.Size() >= total {
		return "", ErrSubnetExhausted
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		suffix, err := randomSuffix()
		if err != nil {
			return "", fmt.Errorf("network: unable to draw random suffix: %w", err)
		}
		ip := fmt.Sprintf("%s.%d", Subnet, suffix)
		if !inUse.Contains(ip) {
			return ip, nil
		}
	}

	return "", ErrSubnetExhausted
}

func randomSuffix() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxHostSuffix-minHostSuffix+1)))
	if err != nil {
		return 0, err
	}
	return minHostSuffix + int(n.Int64()), nil
}

// DeterministicStrategy assigns the smallest free suffix. It is
// equivalent in observable behavior (pairwise-distinct, collision-free
// addresses) and suits tests that need reproducible IPs.
type DeterministicStrategy struct{}

func (DeterministicStrategy) Allocate(inUse *set.Set[string]) (string, error) {
	for suffix := minHostSuffix; suffix <= maxHostSuffix; suffix++ {
		ip := fmt.Sprintf("%s.%d", Subnet, suffix)
		if !inUse.Contains(ip) {
			return ip, nil
		}
	}
	return "", ErrSubnetExhausted
}
