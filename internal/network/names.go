package network

// NetworkName and BridgeName are shared by every VM in the fleet: the
// daemon manages exactly one NAT network.
const (
	NetworkName = "wso-net"
	BridgeName  = "wso-virbr"
)
