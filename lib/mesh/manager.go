package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/kvmesh/lib/collective"
	"github.com/ValentinKolb/kvmesh/lib/device"
	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("mesh")

// CommState describes a group of peer ranks by their GIDs
type CommState struct {
	Ranks []uint64
}

// NewCommState creates a CommState for ranks, in order
func NewCommState(ranks ...uint64) CommState {
	return CommState{Ranks: ranks}
}

// Option configures optional collaborators of a Manager
type Option func(*Manager)

// WithDeviceProvider sets the accelerator runtime (default device.FromEnv())
func WithDeviceProvider(p device.IProvider) Option {
	return func(m *Manager) {
		m.provider = p
	}
}

// Manager owns the transport workers, the listener and the connections of one
// rank to every other rank of the cache transfer group.
type Manager struct {
	config    common.ManagerConfig
	comm      collective.ICommunicator
	cacheComm collective.ICommunicator
	provider  device.IProvider
	deviceID  int
	localGID  uint64
	address   string
	log       *common.RankLogger

	tctx     transport.IContext
	workers  []transport.IWorker
	listener transport.IListener

	connections *xsync.MapOf[tag.ConnectionID, *Connection]
	byEndpoint  *xsync.MapOf[transport.IEndpoint, tag.ConnectionID]

	routingMu sync.Mutex
	routing   map[uint64]tag.ConnectionID

	pending      *PendingQueue
	tasks        sync.WaitGroup
	taskMu       sync.RWMutex // serializes task creation against Close, guards listener
	bootstrapped atomic.Bool

	ctx       context.Context // canceled on Close
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewManager builds the full mesh of comm's cache transfer group. It blocks until
// a connection to every peer is established. On failure the partially built
// manager is released and a *SetupError is returned.
func NewManager(ctx context.Context, comm collective.ICommunicator, tctx transport.IContext,
	config common.ManagerConfig, opts ...Option) (*Manager, error) {
	if comm == nil {
		return nil, setupError(StageCollective, 0, errors.New("communicator must not be nil"))
	}
	localGID := uint64(comm.WorldRank(comm.Rank()))
	if tctx == nil {
		return nil, setupError(StageWorker, localGID, errors.New("transport context must not be nil"))
	}
	if err := config.Validate(); err != nil {
		return nil, setupError(StageWorker, localGID, fmt.Errorf("invalid configuration: %w", err))
	}

	m := &Manager{
		config:      config,
		comm:        comm,
		provider:    device.FromEnv(),
		localGID:    localGID,
		log:         common.WithRank(Logger, localGID),
		tctx:        tctx,
		connections: xsync.NewMapOf[tag.ConnectionID, *Connection](),
		byEndpoint:  xsync.NewMapOf[transport.IEndpoint, tag.ConnectionID](),
		routing:     make(map[uint64]tag.ConnectionID),
		pending:     NewPendingQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if timeout := config.BootstrapTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := m.setup(ctx); err != nil {
		bootstrapFailures(err).Inc()
		if cerr := m.Close(); cerr != nil {
			m.log.Warningf("teardown after failed setup: %v", cerr)
		}
		return nil, err
	}
	m.bootstrapped.Store(true)
	return m, nil
}

// setup runs all construction steps up to the completed bootstrap
func (m *Manager) setup(ctx context.Context) error {
	deviceID, err := m.provider.DeviceID()
	if err != nil {
		return setupError(StageDevice, m.localGID, err)
	}
	m.deviceID = deviceID
	m.log.Debugf("device: %d", deviceID)

	for i := 0; i < m.config.Workers; i++ {
		w, err := m.tctx.CreateWorker()
		if err != nil {
			return setupError(StageWorker, m.localGID, fmt.Errorf("creating worker %d failed: %w", i, err))
		}
		m.workers = append(m.workers, w)
		if err := w.StartProgress(func() error { return m.provider.Bind(deviceID) }); err != nil {
			return setupError(StageWorker, m.localGID, fmt.Errorf("starting progress of worker %d failed: %w", i, err))
		}
	}

	port, err := listenPort(m.config.BasePort, int(m.localGID))
	if err != nil {
		return setupError(StageListener, m.localGID, err)
	}
	m.log.Debugf("creating listener on port %d", port)
	listener, err := m.workers[0].CreateListener(port, m.addInbound)
	if err != nil {
		return setupError(StageListener, m.localGID, err)
	}
	// the callback reads the listener under taskMu
	m.taskMu.Lock()
	m.listener = listener
	m.taskMu.Unlock()

	m.address = m.config.AdvertiseAddress
	if m.address == "" {
		if m.address, err = LocalIPv4(); err != nil {
			return setupError(StageAddress, m.localGID, err)
		}
	}

	return m.bootstrap(ctx)
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// LocalGID returns the world rank of this manager
func (m *Manager) LocalGID() uint64 {
	return m.localGID
}

// Rank returns the rank within the cache transfer group
func (m *Manager) Rank() int {
	return m.cacheComm.Rank()
}

// GroupSize returns the size of the cache transfer group
func (m *Manager) GroupSize() int {
	return m.cacheComm.Size()
}

// ListenPort returns the port of the listener, BasePort plus the world rank
func (m *Manager) ListenPort() uint16 {
	return m.listener.Port()
}

// AdvertisedAddress returns the address peers dial this rank at
func (m *Manager) AdvertisedAddress() string {
	return m.address
}

// DeviceID returns the device the progress goroutines are bound to
func (m *Manager) DeviceID() int {
	return m.deviceID
}

// Worker returns transport worker i. All connections of the mesh live on
// worker 0; additional workers are progressed for use by the transfer layer.
func (m *Manager) Worker(i int) transport.IWorker {
	if i < 0 || i >= len(m.workers) {
		return nil
	}
	return m.workers[i]
}

// --------------------------------------------------------------------------
// Connection lookup
// --------------------------------------------------------------------------

// Connection returns the connection to rank
func (m *Manager) Connection(rank uint64) (*Connection, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	m.routingMu.Lock()
	id, ok := m.routing[rank]
	m.routingMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownRank, rank)
	}

	c, ok := m.connections.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w %d (connection %s vanished)", ErrUnknownRank, rank, id)
	}
	return c, nil
}

// GetConnections resolves the ranks of state to their connections, in order
func (m *Manager) GetConnections(state CommState) ([]*Connection, error) {
	conns := make([]*Connection, 0, len(state.Ranks))
	for _, rank := range state.Ranks {
		c, err := m.Connection(rank)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}

// Connections returns all registered connections ordered by remote GID
func (m *Manager) Connections() []*Connection {
	var conns []*Connection
	m.connections.Range(func(_ tag.ConnectionID, c *Connection) bool {
		conns = append(conns, c)
		return true
	})
	sort.Slice(conns, func(i, j int) bool { return conns[i].RemoteGID() < conns[j].RemoteGID() })
	return conns
}

// RoutingTable returns a copy of the rank to connection id table
func (m *Manager) RoutingTable() map[uint64]tag.ConnectionID {
	m.routingMu.Lock()
	defer m.routingMu.Unlock()

	table := make(map[uint64]tag.ConnectionID, len(m.routing))
	for rank, id := range m.routing {
		table[rank] = id
	}
	return table
}

// RecvConnect receives the next message of any peer whose flags match dc.Flags
// and returns the connection it arrived on. Sender ports and request id are wildcards.
// A message larger than buf returns the connection together with transport.ErrMessageTruncated.
func (m *Manager) RecvConnect(ctx context.Context, dc DataContext, buf []byte) (*Connection, int, error) {
	if m.closed.Load() {
		return nil, 0, ErrManagerClosed
	}

	want := tag.Pack(0, 0, 0, dc.Flags)
	rcv, err := m.workers[0].TagRecv(ctx, want, tag.MaskFlags, buf)
	if err != nil && !errors.Is(err, transport.ErrMessageTruncated) {
		return nil, 0, fmt.Errorf("rank %d | recv connect failed: %w", m.localGID, err)
	}
	n := rcv.N

	id, ok := m.byEndpoint.Load(rcv.From)
	if !ok {
		return nil, n, fmt.Errorf("%w: tag %s", ErrUnknownSender, rcv.Sender)
	}
	c, ok := m.connections.Load(id)
	if !ok {
		return nil, n, fmt.Errorf("%w: connection %s", ErrUnknownSender, id)
	}

	c.observeRecv(n)
	return c, n, err
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Evict removes the connection to rank and closes it
func (m *Manager) Evict(rank uint64) error {
	c, err := m.Connection(rank)
	if err != nil {
		return err
	}

	m.routingMu.Lock()
	delete(m.routing, rank)
	m.routingMu.Unlock()
	m.unregister(c)

	m.log.Infof("evicted %s", c)
	return c.close()
}

// Close releases the listener, all connections and the workers. It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.taskMu.Lock()
		m.closed.Store(true)
		m.taskMu.Unlock()

		m.cancel()

		var err error
		if m.listener != nil {
			err = multierr.Append(err, m.listener.Close())
		}

		// handshakes still running fail on the canceled context
		m.tasks.Wait()
		_ = m.pending.Drain(context.Background())

		m.connections.Range(func(id tag.ConnectionID, c *Connection) bool {
			err = multierr.Append(err, c.close())
			return true
		})
		m.connections.Clear()
		m.byEndpoint.Clear()
		m.routingMu.Lock()
		m.routing = make(map[uint64]tag.ConnectionID)
		m.routingMu.Unlock()

		for _, w := range m.workers {
			err = multierr.Append(err, w.Close())
		}

		m.closeErr = err
		m.log.Debugf("connection manager closed")
	})
	return m.closeErr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// register adds c to the connection table and the endpoint index
func (m *Manager) register(c *Connection) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if _, loaded := m.connections.LoadOrStore(c.id, c); loaded {
		return fmt.Errorf("%w: id %s", ErrDuplicateConnection, c.id)
	}
	m.byEndpoint.Store(c.endpoint, c.id)
	return nil
}

// unregister removes c from the connection table and the endpoint index
func (m *Manager) unregister(c *Connection) {
	m.connections.Delete(c.id)
	m.byEndpoint.Delete(c.endpoint)
}

// route records c as the connection to rank
func (m *Manager) route(rank uint64, c *Connection) error {
	m.routingMu.Lock()
	defer m.routingMu.Unlock()

	if rank == m.localGID {
		return fmt.Errorf("%w: peer claims the local gid %d", ErrDuplicateConnection, rank)
	}
	if existing, ok := m.routing[rank]; ok {
		return fmt.Errorf("%w: rank %d already routed to %s", ErrDuplicateConnection, rank, existing)
	}
	m.routing[rank] = c.id
	return nil
}

func (m *Manager) routingSize() int {
	m.routingMu.Lock()
	defer m.routingMu.Unlock()
	return len(m.routing)
}
