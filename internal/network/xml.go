package network

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

const (
	// natPortRangeStart and natPortRangeEnd bound the ephemeral port range
	// the NAT network forwards.
	natPortRangeStart = 1024
	natPortRangeEnd   = 65535

	netmask = "255.255.255.0"
)

// DomainXML renders the libvirt network XML for the shared NAT network:
// NAT forward mode over ports 1024-65535, the given bridge device, and the
// gateway at 192.168.100.1/24.
func DomainXML(networkName, bridgeName string) (string, error) {
	if len(bridgeName) > 15 {
		return "", fmt.Errorf("network: bridge name %q exceeds the 15 character OS interface-name limit", bridgeName)
	}

	n := &libvirtxml.Network{
		Name: networkName,
		Forward: &libvirtxml.NetworkForward{
			Mode: "nat",
			NAT: &libvirtxml.NetworkForwardNAT{
				Ports: []libvirtxml.NetworkForwardNATPort{
					{
						Start: natPortRangeStart,
						End:   natPortRangeEnd,
					},
				},
			},
		},
		Bridge: &libvirtxml.NetworkBridge{
			Name: bridgeName,
		},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: Gateway,
				Netmask: netmask,
			},
		},
	}

	xml, err := n.Marshal()
	if err != nil {
		return "", fmt.Errorf("network: unable to marshal network xml: %w", err)
	}

	return xml, nil
}
