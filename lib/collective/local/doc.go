// Package local implements collective.ICommunicator for ranks that share one
// process. It is used by tests and by the CLI to run a whole mesh on one host.
package local
