package tag

import (
	"fmt"
)

// Tag is a 64-bit send/receive matching key
type Tag uint64

// Flag marks the kind of message carried by a tag (low 16 bits)
type Flag uint16

const (
	// FlagControl marks bootstrap and other control traffic
	FlagControl Flag = iota + 1
	// FlagRequestInfo marks the request description sent ahead of a transfer
	FlagRequestInfo
	// FlagCacheData marks key-value cache payloads
	FlagCacheData
	// FlagAck marks transfer acknowledgements
	FlagAck
)

// String returns the string representation of a Flag
func (f Flag) String() string {
	switch f {
	case FlagControl:
		return "control"
	case FlagRequestInfo:
		return "request-info"
	case FlagCacheData:
		return "cache-data"
	case FlagAck:
		return "ack"
	default:
		return fmt.Sprintf("flag(%d)", uint16(f))
	}
}

// --------------------------------------------------------------------------
// Masks
// --------------------------------------------------------------------------

const (
	// MaskAll matches every bit of the tag
	MaskAll Tag = 0xFFFF_FFFF_FFFF_FFFF
	// MaskPorts matches field0 and field1 only
	MaskPorts Tag = 0xFFFF_FFFF_0000_0000
	// MaskRequest matches the truncated request id only
	MaskRequest Tag = 0x0000_0000_FFFF_0000
	// MaskFlags matches the flags field only
	MaskFlags Tag = 0x0000_0000_0000_FFFF
	// MaskNone matches every tag
	MaskNone Tag = 0
)

// Matches reports whether a message tag matches the wanted tag under mask
func Matches(msg, want, mask Tag) bool {
	return msg&mask == want&mask
}

// --------------------------------------------------------------------------
// Packing
// --------------------------------------------------------------------------

// Fields is the unpacked form of a Tag
type Fields struct {
	Field0  uint16
	Field1  uint16
	Request uint16
	Flags   Flag
}

// Pack builds a tag from its four fields
func Pack(field0, field1, request uint16, flags Flag) Tag {
	return Tag(uint64(field0)<<48 | uint64(field1)<<32 | uint64(request)<<16 | uint64(flags))
}

// Unpack splits a tag into its four fields
func (t Tag) Unpack() Fields {
	return Fields{
		Field0:  uint16(t >> 48),
		Field1:  uint16(t >> 32),
		Request: uint16(t >> 16),
		Flags:   Flag(t),
	}
}

// Pack is the inverse of Tag.Unpack
func (f Fields) Pack() Tag {
	return Pack(f.Field0, f.Field1, f.Request, f.Flags)
}

// TruncateRequest folds a logical request id into the 16 bit request field
func TruncateRequest(requestID uint64) uint16 {
	return uint16(requestID & 0xFFFF)
}

// Send returns the tag used by the side owning (localPort, remotePort) to send
func Send(localPort, remotePort uint16, requestID uint64, flags Flag) Tag {
	return Pack(localPort, remotePort, TruncateRequest(requestID), flags)
}

// Recv returns the tag the side owning (localPort, remotePort) expects to receive
func Recv(localPort, remotePort uint16, requestID uint64, flags Flag) Tag {
	return Pack(remotePort, localPort, TruncateRequest(requestID), flags)
}

// Swap exchanges field0 and field1, turning a send tag into the peer's receive tag
func (t Tag) Swap() Tag {
	f := t.Unpack()
	f.Field0, f.Field1 = f.Field1, f.Field0
	return f.Pack()
}

// WithRequest replaces the request field
func (t Tag) WithRequest(requestID uint64) Tag {
	return t&^MaskRequest | Tag(TruncateRequest(requestID))<<16
}

// WithFlags replaces the flags field
func (t Tag) WithFlags(flags Flag) Tag {
	return t&^MaskFlags | Tag(flags)
}

// Ports returns field0 and field1
func (t Tag) Ports() (uint16, uint16) {
	f := t.Unpack()
	return f.Field0, f.Field1
}

// String returns a readable representation of the tag
func (t Tag) String() string {
	f := t.Unpack()
	return fmt.Sprintf("%d:%d/req=%d/%s", f.Field0, f.Field1, f.Request, f.Flags)
}
