package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickcortez/cortezmesh/internal/logx"
	"github.com/patrickcortez/cortezmesh/internal/metrics"
	"github.com/patrickcortez/cortezmesh/pkg/ctzerr"
	"golang.org/x/sync/errgroup"
)

// startHousekeeper launches the cooperatively-scheduled loop described in
// spec §4.9 as its own goroutine, tracked via an errgroup so Shutdown can
// cancel and wait on it with the same idiom used for the rest of this
// module's lifecycle management.
func (m *Mesh) startHousekeeper() {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	m.hkCancel = cancel
	m.hkGroup = g
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logx.LogPanic(m.log, r, "housekeeper goroutine panicked")
				err = fmt.Errorf("housekeeper panicked: %v", r)
			}
		}()
		m.housekeeperLoop(gctx)
		return nil
	})
}

func (m *Mesh) housekeeperLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HousekeeperTick)
	defer ticker.Stop()

	var lastHeartbeat time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.drainRegistry()

		if time.Since(lastHeartbeat) >= m.opts.HeartbeatInterval {
			if err := m.broadcastRegistry(HeartbeatMsg); err != nil {
				m.log.Debug().Err(err).Msg("heartbeat broadcast failed")
			} else {
				lastHeartbeat = time.Now()
			}
		}

		m.evictStalePeers()

		m.peersMu.Lock()
		n := len(m.peers)
		m.peersMu.Unlock()
		metrics.PeerCount.Set(float64(n))
	}
}

// drainRegistry implements spec §4.9 step 1: non-blocking reads until the
// registry is empty, dispatching REGISTER/HEARTBEAT/GOODBYE to the peer
// table. A read failure is logged and treated as "nothing more to drain
// this pass" (spec §4.10: "the registry is idempotent-eventually-
// consistent").
func (m *Mesh) drainRegistry() {
	for {
		msg, err := m.registry.Read(0)
		if err != nil {
			if !ctzerr.Is(err, ctzerr.EEmpty) {
				m.log.Debug().Err(err).Msg("registry drain stopped")
			}
			return
		}
		m.registry.Release(msg)

		if len(msg.Payload) != peerInfoWireSize {
			continue
		}
		pi, ok := decodePeerInfo(msg.Payload)
		// Another mesh in this process shares our pid but not our inbox name.
		if !ok || (pi.PID == m.self.PID && pi.InboxName == m.self.InboxName) {
			continue
		}

		switch msg.MsgType {
		case RegisterMsg, HeartbeatMsg:
			m.upsertPeer(pi)
		case GoodbyeMsg:
			m.removePeer(pi.PID)
		}
	}
}

func (m *Mesh) upsertPeer(pi PeerInfo) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	entry, ok := m.peers[pi.PID]
	if !ok {
		m.peers[pi.PID] = &peerEntry{info: pi, lastHeartbeat: time.Now()}
		m.log.Info().Int32("peer_pid", pi.PID).Str("peer_inbox", pi.InboxName).Msg("peer discovered")
		return
	}
	entry.lastHeartbeat = time.Now()
}

func (m *Mesh) removePeer(pid int32) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	m.removePeerLocked(pid, "goodbye")
}

// removePeerLocked tears down a peer entry's cached comm channel and
// drops it from the table. Callers must hold peersMu.
func (m *Mesh) removePeerLocked(pid int32, reason string) {
	entry, ok := m.peers[pid]
	if !ok {
		return
	}
	if entry.ch != nil {
		entry.ch.Leave()
	}
	delete(m.peers, pid)
	m.log.Info().Int32("peer_pid", pid).Str("reason", reason).Msg("peer removed")
}

// evictStalePeers implements spec §4.9 step 3: any peer whose last
// heartbeat predates peer_timeout is evicted with the same teardown as an
// explicit GOODBYE.
func (m *Mesh) evictStalePeers() {
	now := time.Now()
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	for pid, e := range m.peers {
		if now.Sub(e.lastHeartbeat) > m.opts.PeerTimeout {
			m.removePeerLocked(pid, "timeout")
		}
	}
}
