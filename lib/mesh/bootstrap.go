package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/kvmesh/lib/collective"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
)

// AddressSize is the fixed width of an address in the all-gather, including the terminating zero
const AddressSize = 16

// ErrNoAddress is returned if no non-loopback IPv4 interface address exists
var ErrNoAddress = errors.New("no non-loopback IPv4 address found")

// --------------------------------------------------------------------------
// Address helpers
// --------------------------------------------------------------------------

// LocalIPv4 returns the first IPv4 address of an interface that is up and not a loopback
func LocalIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				Logger.Debugf("using interface %s with address %s", iface.Name, ip4)
				return ip4.String(), nil
			}
		}
	}
	return "", ErrNoAddress
}

// encodeAddress returns the zero terminated fixed width form of address
func encodeAddress(address string) ([]byte, error) {
	if len(address) > AddressSize-1 {
		return nil, fmt.Errorf("address %q does not fit into %d bytes", address, AddressSize-1)
	}
	if bytes.IndexByte([]byte(address), 0) >= 0 {
		return nil, fmt.Errorf("address %q contains a zero byte", address)
	}
	buf := make([]byte, AddressSize)
	copy(buf, address)
	return buf, nil
}

// decodeAddress returns the address up to the first zero byte
func decodeAddress(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// listenPort returns basePort + worldRank
func listenPort(basePort uint16, worldRank int) (uint16, error) {
	port := int(basePort) + worldRank
	if worldRank < 0 || port > 65535 {
		return 0, fmt.Errorf("listener port %d+%d out of range", basePort, worldRank)
	}
	return uint16(port), nil
}

// Abstain takes part in the collectives of the bootstrap without joining the
// cache transfer group. Ranks of the world group that build no manager must
// call it so that the others do not block.
func Abstain(ctx context.Context, comm collective.ICommunicator) error {
	if err := comm.Barrier(ctx); err != nil {
		return fmt.Errorf("bootstrap barrier failed: %w", err)
	}
	sub, err := comm.Split(ctx, collective.Undefined, comm.Rank())
	if err != nil {
		return fmt.Errorf("bootstrap split failed: %w", err)
	}
	if sub != nil {
		return fmt.Errorf("rank %d was assigned to a group despite the undefined color", comm.Rank())
	}
	return nil
}

// --------------------------------------------------------------------------
// Bootstrap
// --------------------------------------------------------------------------

// bootstrap exchanges addresses with the cache transfer group, dials all higher
// ranks and waits until every peer is routed
func (m *Manager) bootstrap(ctx context.Context) error {
	start := time.Now()
	m.log.Infof("bootstrap started (listening on %s:%d)", m.address, m.listener.Port())

	if err := m.comm.Barrier(ctx); err != nil {
		return setupError(StageCollective, m.localGID, fmt.Errorf("barrier failed: %w", err))
	}

	cacheComm, err := m.comm.Split(ctx, m.config.CacheGroupColor, m.comm.Rank())
	if err != nil {
		return setupError(StageCollective, m.localGID, fmt.Errorf("split failed: %w", err))
	}
	if cacheComm == nil {
		return setupError(StageCollective, m.localGID, fmt.Errorf("rank is not part of cache group %d", m.config.CacheGroupColor))
	}
	m.cacheComm = cacheComm
	m.log.Debugf("cache group rank %d of %d", cacheComm.Rank(), cacheComm.Size())

	local, err := encodeAddress(m.address)
	if err != nil {
		return setupError(StageAddress, m.localGID, err)
	}
	gathered, err := cacheComm.AllGather(ctx, local)
	if err != nil {
		return setupError(StageCollective, m.localGID, fmt.Errorf("address all-gather failed: %w", err))
	}
	if len(gathered) != cacheComm.Size() {
		return setupError(StageCollective, m.localGID,
			fmt.Errorf("all-gather returned %d addresses for %d ranks", len(gathered), cacheComm.Size()))
	}

	// dial every higher rank, lower ranks dial us
	for i := cacheComm.Rank() + 1; i < cacheComm.Size(); i++ {
		globalRank := cacheComm.WorldRank(i)
		if globalRank < 0 {
			return setupError(StageCollective, m.localGID, fmt.Errorf("no world rank for cache group rank %d", i))
		}
		host := decodeAddress(gathered[i])
		port, err := listenPort(m.config.BasePort, globalRank)
		if err != nil {
			return setupError(StageDial, m.localGID, err)
		}

		m.log.Debugf("connecting to rank %d at %s:%d", globalRank, host, port)
		c, err := m.addOutbound(ctx, host, port, uint64(globalRank))
		if err != nil {
			return err
		}
		if err := m.route(uint64(globalRank), c); err != nil {
			return setupError(StageRegister, m.localGID, err)
		}
	}
	m.log.Debugf("done initiating connections")

	if err := m.waitForPeers(ctx, cacheComm.Size()-1); err != nil {
		return err
	}

	bootstrapDuration.UpdateDuration(start)
	m.log.Infof("bootstrap done, %d peers connected in %s", cacheComm.Size()-1, time.Since(start).Round(time.Millisecond))
	return nil
}

// waitForPeers blocks until the routing table has want entries. Inbound
// handshakes are awaited through the pending queue; the poll interval is a
// fallback for entries that appear without a queued handshake.
func (m *Manager) waitForPeers(ctx context.Context, want int) error {
	poll := time.NewTicker(m.config.BootstrapPoll())
	defer poll.Stop()

	for {
		n := m.routingSize()
		if n >= want {
			return nil
		}

		if f, ok := m.pending.TryPop(); ok {
			if err := f.Wait(ctx); err != nil {
				return setupError(StageWait, m.localGID, err)
			}
			continue
		}

		m.log.Debugf("waiting for %d connections, current size %d", want, n)
		select {
		case <-m.pending.Notify():
		case <-poll.C:
		case <-ctx.Done():
			return setupError(StageWait, m.localGID,
				fmt.Errorf("%d of %d peers connected: %w", n, want, ctx.Err()))
		}
	}
}

// addOutbound dials host:port, sends the local GID and registers the connection
func (m *Manager) addOutbound(ctx context.Context, host string, port uint16, remoteGID uint64) (*Connection, error) {
	ep, err := m.workers[0].Dial(host, port)
	if err != nil {
		return nil, setupError(StageDial, m.localGID, fmt.Errorf("dial %s:%d failed: %w", host, port, err))
	}

	c := newConnection(m, ep)
	if err := c.sendGID(ctx); err != nil {
		_ = c.close()
		stage := StageHandshake
		if _, qerr := ep.Query(); qerr != nil {
			// the endpoint never came up
			stage = StageDial
		}
		return nil, setupError(stage, m.localGID, fmt.Errorf("sending gid to %s:%d failed: %w", host, port, err))
	}

	if err := c.initializeEndpointTag(ctx, m.config.TagQueryRetries, m.config.TagQueryBackoff()); err != nil {
		_ = c.close()
		return nil, setupError(StageTag, m.localGID, err)
	}
	c.markReady(remoteGID)

	if err := m.register(c); err != nil {
		_ = c.close()
		return nil, setupError(StageRegister, m.localGID, err)
	}
	m.log.Debugf("added outbound %s", c)
	return c, nil
}

// addInbound accepts req into an endpoint and completes the handshake asynchronously.
// It runs on the listener goroutine and must not block.
func (m *Manager) addInbound(req transport.IConnRequest) {
	m.taskMu.RLock()
	defer m.taskMu.RUnlock()
	if m.closed.Load() || m.listener == nil {
		return
	}

	ep, err := m.listener.CreateEndpoint(req)
	if err != nil {
		err = setupError(StageHandshake, m.localGID, fmt.Errorf("accepting %s failed: %w", req.RemoteAddr(), err))
		Logger.Errorf("%v", err)
		m.track(func() error { return err })
		return
	}

	c := newConnection(m, ep)
	m.track(func() error {
		err := m.acceptHandshake(c)
		if err != nil {
			_ = c.close()
			if !m.closed.Load() {
				Logger.Errorf("%v", err)
			}
		}
		return err
	})
}

// acceptHandshake receives the peer GID, resolves the tags and routes the connection
func (m *Manager) acceptHandshake(c *Connection) error {
	remoteGID, err := c.recvGID(m.ctx)
	if err != nil {
		return setupError(StageHandshake, m.localGID, fmt.Errorf("receiving gid failed: %w", err))
	}
	if err := c.initializeEndpointTag(m.ctx, m.config.TagQueryRetries, m.config.TagQueryBackoff()); err != nil {
		return setupError(StageTag, m.localGID, err)
	}
	c.markReady(remoteGID)

	if err := m.register(c); err != nil {
		return setupError(StageRegister, m.localGID, err)
	}
	if err := m.route(remoteGID, c); err != nil {
		m.unregister(c)
		return setupError(StageRegister, m.localGID, err)
	}
	m.log.Debugf("added inbound %s", c)
	return nil
}

// track runs fn asynchronously. During bootstrap its future is queued for waitForPeers.
// The caller must hold taskMu.
func (m *Manager) track(fn func() error) {
	m.tasks.Add(1)
	run := func() error {
		defer m.tasks.Done()
		return fn()
	}

	if m.bootstrapped.Load() {
		go func() { _ = run() }()
		return
	}
	m.pending.Go(run)
}
