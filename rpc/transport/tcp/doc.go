// Package tcp provides the TCP connector for the base transport. It dials and
// listens on plain TCP sockets and tunes every connection (Nagle, socket buffers,
// keep-alive, linger) from common.TransportConfig before it is multiplexed.
//
// See the base package documentation for the stream layout and the tag matching.
package tcp
