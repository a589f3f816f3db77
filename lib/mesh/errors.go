package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrManagerClosed is returned by operations on a closed manager or its connections
	ErrManagerClosed = errors.New("connection manager closed")
	// ErrConnectionNotReady is returned by Send and Recv before the handshake completed
	ErrConnectionNotReady = errors.New("connection not ready")
	// ErrUnknownRank is returned if no connection is registered for a rank
	ErrUnknownRank = errors.New("no connection for rank")
	// ErrUnknownSender is returned by RecvConnect if the sender tag maps to no connection
	ErrUnknownSender = errors.New("unknown sender")
	// ErrDuplicateConnection is returned if a connection id or rank is registered twice
	ErrDuplicateConnection = errors.New("duplicate connection")
)

// Stage names the bootstrap step a SetupError occurred in
type Stage string

const (
	StageDevice     Stage = "device"
	StageWorker     Stage = "worker"
	StageListener   Stage = "listener"
	StageAddress    Stage = "address"
	StageCollective Stage = "collective"
	StageDial       Stage = "dial"
	StageHandshake  Stage = "handshake"
	StageTag        Stage = "tag"
	StageRegister   Stage = "register"
	StageWait       Stage = "wait"
)

// SetupError is returned if building the mesh failed. The manager is torn
// down completely before a SetupError is returned.
type SetupError struct {
	Stage Stage
	Rank  uint64
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("rank %d | setup failed in stage %s: %v", e.Rank, e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupError(stage Stage, rank uint64, err error) *SetupError {
	var se *SetupError
	if errors.As(err, &se) {
		return se
	}
	return &SetupError{Stage: stage, Rank: rank, Err: err}
}
