package rendezvous

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ValentinKolb/kvmesh/lib/util"
)

// Group executes collectives of a fixed set of ranks. Every collective is one
// round: each member contributes a value, the last contributor finishes the
// round and wakes up all others.
type Group struct {
	id         uint64
	worldRanks []int

	mu     sync.Mutex // protects the fields below
	round  *round
	splits uint64
}

type round struct {
	values      []any
	contributed []bool
	count       int
	result      any
	done        chan struct{}
}

// Member is the result of a split for one rank. Group is nil if the rank joined no group.
type Member struct {
	Group *Group
	Rank  int
}

// New creates a group. worldRanks[i] is the world rank of group rank i.
func New(id uint64, worldRanks []int) *Group {
	return &Group{id: id, worldRanks: append([]int(nil), worldRanks...)}
}

// NewWorld creates the world group of size ranks
func NewWorld(id uint64, size int) *Group {
	ranks := make([]int, size)
	for i := range ranks {
		ranks[i] = i
	}
	return New(id, ranks)
}

func (g *Group) ID() uint64 {
	return g.id
}

func (g *Group) Size() int {
	return len(g.worldRanks)
}

// WorldRanks returns a copy of the world rank mapping
func (g *Group) WorldRanks() []int {
	return append([]int(nil), g.worldRanks...)
}

// WorldRank returns the world rank of group rank r, -1 if r is out of range
func (g *Group) WorldRank(r int) int {
	if r < 0 || r >= len(g.worldRanks) {
		return -1
	}
	return g.worldRanks[r]
}

// Exchange contributes v for rank and blocks until all members contributed.
// finish runs once, on the last contributor, with the values indexed by rank;
// its result is returned to every member.
func (g *Group) Exchange(ctx context.Context, rank int, v any, finish func(values []any) any) (any, error) {
	if rank < 0 || rank >= g.Size() {
		return nil, fmt.Errorf("rank %d outside of group of size %d", rank, g.Size())
	}

	g.mu.Lock()
	r := g.round
	if r == nil {
		r = &round{
			values:      make([]any, g.Size()),
			contributed: make([]bool, g.Size()),
			done:        make(chan struct{}),
		}
		g.round = r
	}
	if r.contributed[rank] {
		g.mu.Unlock()
		return nil, fmt.Errorf("rank %d already contributed to the current round", rank)
	}
	r.values[rank] = v
	r.contributed[rank] = true
	r.count++
	if r.count == g.Size() {
		g.round = nil
		if finish != nil {
			r.result = finish(r.values)
		}
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Barrier blocks until every member entered the barrier
func (g *Group) Barrier(ctx context.Context, rank int) error {
	_, err := g.Exchange(ctx, rank, nil, nil)
	return err
}

// AllGather collects data of every member, indexed by rank
func (g *Group) AllGather(ctx context.Context, rank int, data []byte) ([][]byte, error) {
	res, err := g.Exchange(ctx, rank, append([]byte(nil), data...), func(values []any) any {
		out := make([][]byte, len(values))
		for i, v := range values {
			out[i] = v.([]byte)
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	return res.([][]byte), nil
}

type splitArg struct {
	color, key int
}

type splitResult struct {
	groups  map[int]*Group
	members []Member
}

// Split partitions the group by color. Ranks with a negative color join no group.
// The id of a new group is derived from the parent id, the split count and the color,
// so it is the same for every member.
func (g *Group) Split(ctx context.Context, rank, color, key int) (Member, error) {
	res, err := g.Exchange(ctx, rank, splitArg{color: color, key: key}, func(values []any) any {
		g.splits++
		return g.split(values)
	})
	if err != nil {
		return Member{}, err
	}
	return res.(*splitResult).members[rank], nil
}

// split must be called with g.mu held
func (g *Group) split(values []any) *splitResult {
	byColor := make(map[int][]int)
	for r, v := range values {
		arg := v.(splitArg)
		if arg.color < 0 {
			continue
		}
		byColor[arg.color] = append(byColor[arg.color], r)
	}

	res := &splitResult{
		groups:  make(map[int]*Group, len(byColor)),
		members: make([]Member, len(values)),
	}
	for color, ranks := range byColor {
		sort.SliceStable(ranks, func(i, j int) bool {
			ki, kj := values[ranks[i]].(splitArg).key, values[ranks[j]].(splitArg).key
			if ki != kj {
				return ki < kj
			}
			return ranks[i] < ranks[j]
		})

		worldRanks := make([]int, len(ranks))
		for i, r := range ranks {
			worldRanks[i] = g.worldRanks[r]
		}

		id := uint64(util.HashString(strconv.FormatUint(g.splits, 10)+"/"+strconv.Itoa(color), g.id))
		sub := New(id, worldRanks)
		res.groups[color] = sub
		for i, r := range ranks {
			res.members[r] = Member{Group: sub, Rank: i}
		}
	}
	return res
}
