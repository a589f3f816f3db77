package rank

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ValentinKolb/kvmesh/lib/mesh"
	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/lib/util"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	"golang.org/x/sync/errgroup"
)

var (
	pingFlags = tag.FlagRequestInfo
	echoFlags = tag.FlagAck
)

// runSelfTest measures round trips to every higher rank and echoes the
// messages of every lower rank. Both directions run concurrently.
func runSelfTest(ctx context.Context, m *mesh.Manager, payloadSize, iterations int) error {
	var targets []*mesh.Connection
	echoes := 0
	for _, c := range m.Connections() {
		if c.RemoteGID() > m.LocalGID() {
			targets = append(targets, c)
		} else {
			echoes += iterations
		}
	}

	common.WithRank(Logger, m.LocalGID()).Infof("self test: pinging %d peers, echoing %d messages", len(targets), echoes)

	results := make([][]time.Duration, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return echo(gctx, m, payloadSize, echoes)
	})
	for i, c := range targets {
		g.Go(func() error {
			durations, err := ping(gctx, c, m.LocalGID(), payloadSize, iterations)
			results[i] = durations
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("self test failed: %w", err)
	}

	fmt.Printf("\nSELF TEST (%d bytes, %d iterations)\n", payloadSize, iterations)
	for i, c := range targets {
		printResult(fmt.Sprintf("%d -> %d", m.LocalGID(), c.RemoteGID()), payloadSize, results[i])
	}
	return nil
}

// ping sends iterations messages to c and waits for each echo
func ping(ctx context.Context, c *mesh.Connection, localGID uint64, payloadSize, iterations int) ([]time.Duration, error) {
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(localGID) + byte(i)
	}
	reply := make([]byte, payloadSize)

	durations := make([]time.Duration, iterations)
	for i := 0; i < iterations; i++ {
		start := time.Now()
		if err := c.Send(ctx, mesh.DataContext{RequestID: uint64(i), Flags: pingFlags}, payload); err != nil {
			return nil, err
		}
		if err := c.Recv(ctx, mesh.DataContext{RequestID: uint64(i), Flags: echoFlags}, reply); err != nil {
			return nil, err
		}
		durations[i] = time.Since(start)

		if !bytes.Equal(payload, reply) {
			return nil, fmt.Errorf("echo %d from rank %d does not match the payload", i, c.RemoteGID())
		}
	}
	return durations, nil
}

// echo answers total ping messages of any peer. A peer sends its next ping
// only after the previous echo, so counting per peer recovers the request id.
func echo(ctx context.Context, m *mesh.Manager, payloadSize, total int) error {
	buf := make([]byte, payloadSize)
	next := make(map[uint64]uint64)

	for i := 0; i < total; i++ {
		c, n, err := m.RecvConnect(ctx, mesh.DataContext{Flags: pingFlags}, buf)
		if err != nil {
			return err
		}

		req := next[c.RemoteGID()]
		next[c.RemoteGID()] = req + 1
		if err := c.Send(ctx, mesh.DataContext{RequestID: req, Flags: echoFlags}, buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

func printResult(test string, payloadSize int, durations []time.Duration) {
	if len(durations) == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	stats := util.NewDurationStats(durations)
	meanSec := math.Max(stats.Mean, 1e-3) / 1e6
	opsPerSec := 1.0 / meanSec
	mbPerSec := 2 * float64(payloadSize) * opsPerSec / (1024 * 1024)
	fmt.Printf("%-20s%.1fµs/rtt (p50 %.1fµs, p99 %.1fµs, max %.1fµs)\t%.0f rtt/sec\t%.1f MB/s\n",
		test, stats.Mean, stats.P50, stats.P99, stats.Max, opsPerSec, mbPerSec)
}
