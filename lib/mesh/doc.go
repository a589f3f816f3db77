// Package mesh implements the connection manager: every rank of a cache
// transfer group builds exactly one tag-addressed connection to every other rank.
//
// Bootstrap, in order:
//
//  1. ping the device provider and start the transport workers; each progress
//     goroutine binds the device before it drives completions
//  2. listen on BasePort + world rank
//  3. barrier on the parent communicator, split off the cache transfer group and
//     all-gather the 16 byte zero terminated IPv4 address of every member
//  4. dial every member with a higher group rank and send the local GID (8 bytes,
//     little endian) over the raw stream; lower ranks dial us, their handshakes
//     run asynchronously and are queued in the PendingQueue
//  5. block until the routing table holds an entry for every peer
//
// The world rank of a group member is taken from the communicator's WorldRank
// mapping, so arbitrary members of the parent may be excluded from the group.
//
// A connection derives its id and its tag pair from the socket addresses of its
// endpoint. A send tagged (local port, remote port, request, flags) is received
// by the peer with the ports swapped, see package tag.
package mesh
