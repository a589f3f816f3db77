package tag

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ConnectionID identifies one directed pair of sockets
type ConnectionID uint64

// NewConnectionID packs (remoteIP, remotePort, localPort) into a ConnectionID
func NewConnectionID(remoteIP uint32, remotePort, localPort uint16) ConnectionID {
	return ConnectionID(uint64(remotePort)<<48 | uint64(localPort)<<32 | uint64(remoteIP))
}

// Unpack returns the (remoteIP, remotePort, localPort) triple of the id
func (id ConnectionID) Unpack() (remoteIP uint32, remotePort, localPort uint16) {
	return uint32(id), uint16(id >> 48), uint16(id >> 32)
}

// String returns a readable representation of the id
func (id ConnectionID) String() string {
	ip, remotePort, localPort := id.Unpack()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return fmt.Sprintf("%d<-%s:%d", localPort, net.IP(b[:]).String(), remotePort)
}

// IPv4ToUint32 converts an IP to the 32 bit value stored in a ConnectionID.
// IPv6 addresses contribute their low 32 bits.
func IPv4ToUint32(ip net.IP) uint32 {
	if v4 := ip.To4(); v4 != nil {
		return binary.BigEndian.Uint32(v4)
	}
	if len(ip) == net.IPv6len {
		return binary.BigEndian.Uint32(ip[12:])
	}
	return 0
}

// ConnectionIDFromAddrs derives the id of an endpoint from its socket addresses
func ConnectionIDFromAddrs(local, remote *net.TCPAddr) (ConnectionID, error) {
	if local == nil || remote == nil {
		return 0, fmt.Errorf("missing socket address (local=%v, remote=%v)", local, remote)
	}
	if !validPort(local.Port) || !validPort(remote.Port) {
		return 0, fmt.Errorf("port out of range (local=%d, remote=%d)", local.Port, remote.Port)
	}
	return NewConnectionID(IPv4ToUint32(remote.IP), uint16(remote.Port), uint16(local.Port)), nil
}

func validPort(p int) bool {
	return p > 0 && p <= 0xFFFF
}
