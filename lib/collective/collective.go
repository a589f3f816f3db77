package collective

import (
	"context"
	"errors"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("collective")

// Undefined is the split color of ranks that do not join any sub group
const Undefined = -1

var (
	// ErrClosed is returned by operations on a closed communicator
	ErrClosed = errors.New("communicator closed")
	// ErrInvalidRank is returned if a rank is outside of the communicator
	ErrInvalidRank = errors.New("invalid rank")
)

// ICommunicator is a group of ranks performing collective operations.
// Every collective must be called by all members of the group in the same order.
type ICommunicator interface {
	// Rank returns the rank of the caller within the group
	Rank() int
	// Size returns the number of ranks in the group
	Size() int
	// WorldRank maps a rank of this group to its rank in the world group
	WorldRank(rank int) int

	// Barrier blocks until every member entered the barrier
	Barrier(ctx context.Context) error
	// AllGather collects data of every member, indexed by rank
	AllGather(ctx context.Context, data []byte) ([][]byte, error)
	// Split partitions the group by color. Members with the same color form a new group
	// ordered by (key, rank). With color Undefined the caller joins no group and nil is returned.
	Split(ctx context.Context, color, key int) (ICommunicator, error)

	// Close releases the communicator
	Close() error
}
