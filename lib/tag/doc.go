// Package tag implements the fixed-width addressing scheme used to multiplex
// many logical request streams over one shared transport worker.
//
// A tag is a 64-bit value made of four 16-bit fields:
//
//	| field0 (16 bits) | field1 (16 bits) | truncated request id (16 bits) | flags (16 bits) |
//
// For a send, field0 is the local port and field1 the remote port of the
// endpoint. The matching receive on the other side uses the same fields with
// the ports swapped, so a send issued by side A with (Pa, Pb, req, flags) is
// matched by side B's receive tag (Pb, Pa, req, flags).
//
// Request identifiers are truncated to their low 16 bits. Two requests on the
// same endpoint pair collide only if their identifiers are equal mod 2^16;
// callers that keep more than 65536 requests in flight on one connection must
// tolerate this.
//
// A ConnectionID is derived from the socket addresses of an established
// endpoint:
//
//	| remote port (16 bits) | local port (16 bits) | remote IPv4 address (32 bits) |
//
// All functions are pure and safe for concurrent use.
package tag
