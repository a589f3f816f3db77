// Package common provides configuration structures and logging utilities
// shared across kvmesh.
//
// The package focuses on:
//   - Configuration structures for the connection manager, the transport
//     and the collective coordinator
//   - Custom logging implementation integrated with Dragonboat's logger
//     facade, which every kvmesh package uses for its package logger
//
// Key Components:
//
//   - ManagerConfig: configuration of one connection manager (listener base
//     port, worker count, bootstrap retry and polling behaviour). Provides a
//     String() method for printing the effective configuration at startup.
//
//   - TransportConfig: socket and multiplexer settings applied to every
//     endpoint of the TCP transport.
//
//   - CoordinatorConfig: address and world size of the TCP collective
//     coordinator.
//
//   - Logger: custom logging implementation that plugs into Dragonboat's
//     logging system while providing consistent formatting across the
//     application ("LEVEL | package | message").
package common
