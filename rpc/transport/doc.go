// Package transport defines the tag-matching transport engine driven by the
// kvmesh connection manager.
//
// The abstraction follows the structure of RDMA style messaging libraries:
//
//   - IContext creates workers of one transport type.
//   - IWorker is a progress domain. It owns the tag matcher and all endpoints
//     created from it. Completions are only produced while its progress loop
//     runs.
//   - IListener accepts inbound connection requests and turns them into
//     endpoints on behalf of a callback.
//   - IEndpoint is one peer-to-peer channel offering an untagged ordered byte
//     stream (used before tags are known) and tagged messages.
//
// Endpoints connect asynchronously. Until the connection is up, Query returns
// ErrNotConnected and all other operations block.
//
// Implementations:
//
//   - base: protocol-agnostic worker, matcher, endpoint and listener
//   - tcp: TCP connector for the base implementation
package transport
