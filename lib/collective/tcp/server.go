package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/kvmesh/lib/collective"
	"github.com/ValentinKolb/kvmesh/lib/collective/internal/rendezvous"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/ValentinKolb/kvmesh/rpc/transport/base"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

// Server is the coordinator executing the collectives of one job
type Server struct {
	config   common.CoordinatorConfig
	listener net.Listener

	groups *xsync.MapOf[uint64, *rendezvous.Group]
	joined *xsync.MapOf[int, struct{}]
	conns  *xsync.MapOf[net.Conn, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer creates a coordinator listening on config.Endpoint
func NewServer(config common.CoordinatorConfig) (*Server, error) {
	if config.Size < 1 {
		return nil, fmt.Errorf("world size must be positive, got %d", config.Size)
	}

	l, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.Endpoint, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		listener: l,
		groups:   xsync.NewMapOf[uint64, *rendezvous.Group](),
		joined:   xsync.NewMapOf[int, struct{}](),
		conns:    xsync.NewMapOf[net.Conn, struct{}](),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.groups.Store(worldGroup, rendezvous.NewWorld(worldGroup, config.Size))
	return s, nil
}

// Addr returns the address the coordinator listens on
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts ranks until the server is closed
func (s *Server) Serve() error {
	collective.Logger.Infof("coordinator listening on %s for %d ranks", s.listener.Addr(), s.config.Size)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("coordinator accept failed: %w", err)
		}

		s.conns.Store(conn, struct{}{})
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Close stops the server and aborts all running collectives
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.listener.Close()
	s.conns.Range(func(conn net.Conn, _ struct{}) bool {
		err = multierr.Append(err, conn.Close())
		return true
	})
	s.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.conns.Delete(conn)
	defer conn.Close()

	var writeMu sync.Mutex
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		group, seq, data, err := base.ReadFrame(conn, nil)
		if err != nil {
			if !s.closed.Load() {
				collective.Logger.Debugf("connection from %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}

		var req request
		if err := decode(data, &req); err != nil {
			collective.Logger.Warningf("invalid request from %s: %v", conn.RemoteAddr(), err)
			return
		}

		// collectives block until all members arrived, so every request is handled on its own goroutine
		inflight.Add(1)
		go func() {
			defer inflight.Done()

			resp := s.handle(group, &req)
			payload, err := encode(resp)
			if err != nil {
				collective.Logger.Errorf("failed to encode %s response: %v", req.Op, err)
				return
			}

			writeMu.Lock()
			defer writeMu.Unlock()
			if err := base.WriteFrame(conn, group, seq, payload); err != nil {
				collective.Logger.Debugf("failed to answer %s of rank %d: %v", req.Op, req.Rank, err)
			}
		}()
	}
}

func (s *Server) handle(id uint64, req *request) *response {
	g, ok := s.groups.Load(id)
	if !ok {
		return &response{Err: fmt.Sprintf("unknown group %x", id)}
	}
	if req.Rank < 0 || req.Rank >= g.Size() {
		return &response{Err: fmt.Sprintf("%v: %d not in group of size %d", collective.ErrInvalidRank, req.Rank, g.Size())}
	}

	switch req.Op {
	case opJoin:
		if id != worldGroup {
			return &response{Err: "join is only valid on the world group"}
		}
		if _, loaded := s.joined.LoadOrStore(req.Rank, struct{}{}); loaded {
			return &response{Err: fmt.Sprintf("rank %d already joined", req.Rank)}
		}
		collective.Logger.Infof("rank %d joined (%d/%d)", req.Rank, s.joined.Size(), g.Size())
		return &response{Group: id, Rank: req.Rank, WorldRanks: g.WorldRanks()}

	case opBarrier:
		if err := g.Barrier(s.ctx, req.Rank); err != nil {
			return &response{Err: err.Error()}
		}
		return &response{}

	case opAllGather:
		data, err := g.AllGather(s.ctx, req.Rank, req.Data)
		if err != nil {
			return &response{Err: err.Error()}
		}
		return &response{Data: data}

	case opSplit:
		m, err := g.Split(s.ctx, req.Rank, req.Color, req.Key)
		if err != nil {
			return &response{Err: err.Error()}
		}
		if m.Group == nil {
			return &response{Excluded: true}
		}
		sub, _ := s.groups.LoadOrStore(m.Group.ID(), m.Group)
		return &response{Group: sub.ID(), Rank: m.Rank, WorldRanks: sub.WorldRanks()}

	default:
		return &response{Err: fmt.Sprintf("unknown operation %d", req.Op)}
	}
}
