// Package base implements the transport layer of the mesh independent of the
// network medium. A protocol specific IConnector supplies dialing, listening and
// socket tuning; everything above the raw connection lives here.
//
// Every endpoint owns exactly one connection which is multiplexed with yamux into
// two streams: the first opened stream is the untagged raw stream used by
// StreamSend/StreamRecv, the second carries tagged frames written with WriteFrame:
//
//	[key: 8 bytes][seq: 8 bytes][len: 4 bytes][payload]
//
// where key holds the 64 bit message tag.
//
// Tagged frames of all endpoints of a worker are funneled into the worker's
// matcher by its progress goroutine. The matcher keeps two FIFO queues, posted
// receives and unexpected messages, so messages with the same tag complete in
// the order they were sent. Receives posted through the worker accept a mask
// and report the tag the sender used together with the endpoint it arrived on.
// Receives posted through an endpoint only match messages of that endpoint.
//
// When a peer goes away the end of its stream is queued behind the frames already
// read, so those frames stay receivable. Only a local Close drops them.
//
// Endpoints connect asynchronously. Dial and CreateEndpoint return at once and
// Query reports transport.ErrNotConnected until both streams are open. Blocking
// operations wait for the connection and honor the context passed to them.
package base
