package tcp

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Frames between ranks and the coordinator use the base transport frame codec.
// The frame key carries the group id, the sequence correlates a response with
// its request. Payloads are msgpack encoded.

// worldGroup is the id of the world group
const worldGroup uint64 = 0

type opType uint8

const (
	opJoin opType = iota + 1
	opBarrier
	opAllGather
	opSplit
)

func (o opType) String() string {
	switch o {
	case opJoin:
		return "join"
	case opBarrier:
		return "barrier"
	case opAllGather:
		return "allgather"
	case opSplit:
		return "split"
	default:
		return "unknown"
	}
}

type request struct {
	Op    opType `msgpack:"op"`
	Rank  int    `msgpack:"rank"`
	Color int    `msgpack:"color,omitempty"`
	Key   int    `msgpack:"key,omitempty"`
	Data  []byte `msgpack:"data,omitempty"`
}

type response struct {
	Err        string   `msgpack:"err,omitempty"`
	Group      uint64   `msgpack:"group,omitempty"`
	Rank       int      `msgpack:"rank,omitempty"`
	WorldRanks []int    `msgpack:"world_ranks,omitempty"`
	Data       [][]byte `msgpack:"data,omitempty"`
	Excluded   bool     `msgpack:"excluded,omitempty"`
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
