// Package util provides small helpers shared by kvmesh packages:
//   - functions: FNV-1a string hashing (group identifiers of the coordinator)
//   - statistics: summary statistics of latency samples (self test output)
package util
