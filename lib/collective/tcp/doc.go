// Package tcp implements collective.ICommunicator through a coordinator
// process. Every rank keeps one TCP connection to the coordinator, which
// executes barrier, all-gather and split on behalf of the group.
//
// Wire format: frames of the base transport codec
//
//	[group id: 8 bytes][sequence: 8 bytes][len: 4 bytes][msgpack payload]
//
// A response carries the group id and sequence of its request. Sub group ids
// are derived by the coordinator from the parent id, the split count and the color.
package tcp
