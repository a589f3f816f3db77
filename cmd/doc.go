// Package cmd implements the command-line interface of kvmesh.
//
// The package is organized into several subpackages:
//
//   - rank: Runs one rank of a job (bootstrap, optional self test, metrics)
//   - coordinator: Runs the collective coordinator the ranks bootstrap through
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable KVMESH_<flag>
// (e.g. KVMESH_BASE_PORT=20000). Variables are additionally read from .env and
// .env.local in the working directory.
//
// See kvmesh -help for a list of all commands.
package cmd
