// Package rpc contains the communication layer kvmesh is built on.
//
// The package is organized into several subpackages:
//
//   - common: Configuration structures shared by the mesh, the transport and
//     the coordinator, and the logger factory.
//
//   - transport: The tag-matching transport engine (contexts, workers,
//     listeners, endpoints) with a medium independent base implementation and
//     a TCP connector.
package rpc
