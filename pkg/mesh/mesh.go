// Package mesh implements the process-scoped façade from spec.md §4.8/§4.9:
// a private inbox channel, a joined registry channel, a peer table kept
// current by a housekeeper goroutine, and send/receive/find-by-name on top
// of pkg/channel.
package mesh

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/patrickcortez/cortezmesh/internal/segment"
	"github.com/patrickcortez/cortezmesh/pkg/channel"
	"github.com/patrickcortez/cortezmesh/pkg/ctzerr"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Default sizing and timing, per spec §4.8/§4.9/§6.
const (
	DefaultInboxSize         = 1 << 20
	DefaultRegistrySize      = 4 << 20
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultPeerTimeout       = 10 * time.Second
	DefaultHousekeeperTick   = 100 * time.Millisecond
)

// Options configures Init. A zero Options uses the spec's nominal
// defaults once passed through DefaultOptions.
type Options struct {
	Backend           segment.Backend
	InboxSize         uint64
	RegistrySize      uint64
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	HousekeeperTick   time.Duration
	Logger            zerolog.Logger
}

// DefaultOptions fills in the nominal sizing and timing defaults from spec
// §4.8/§4.9/§6 around the given backend.
func DefaultOptions(backend segment.Backend) Options {
	return Options{
		Backend:           backend,
		InboxSize:         DefaultInboxSize,
		RegistrySize:      DefaultRegistrySize,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PeerTimeout:       DefaultPeerTimeout,
		HousekeeperTick:   DefaultHousekeeperTick,
		Logger:            zerolog.Nop(),
	}
}

func applyDefaults(opts Options) Options {
	d := DefaultOptions(opts.Backend)
	if opts.InboxSize == 0 {
		opts.InboxSize = d.InboxSize
	}
	if opts.RegistrySize == 0 {
		opts.RegistrySize = d.RegistrySize
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = d.HeartbeatInterval
	}
	if opts.PeerTimeout == 0 {
		opts.PeerTimeout = d.PeerTimeout
	}
	if opts.HousekeeperTick == 0 {
		opts.HousekeeperTick = d.HousekeeperTick
	}
	return opts
}

type peerEntry struct {
	info          PeerInfo
	lastHeartbeat time.Time
	ch            *channel.Channel // lazily joined, cached per spec §4.8 Send step 2
}

// Mesh is a process's view of the peer population, with one owned inbox
// channel, per spec §3 "Mesh".
type Mesh struct {
	self     PeerInfo
	inbox    *channel.Channel
	registry *channel.Channel
	backend  segment.Backend
	opts     Options
	log      zerolog.Logger

	peersMu sync.Mutex
	peers   map[int32]*peerEntry

	hkCancel context.CancelFunc
	hkGroup  *errgroup.Group

	lastErrMu sync.Mutex
	lastErr   error
}

func (m *Mesh) setLastError(err error) error {
	m.lastErrMu.Lock()
	m.lastErr = err
	m.lastErrMu.Unlock()
	return err
}

// LastError returns the most recent error this mesh observed.
func (m *Mesh) LastError() error {
	m.lastErrMu.Lock()
	defer m.lastErrMu.Unlock()
	return m.lastErr
}

// Self returns this process's own peer info.
func (m *Mesh) Self() PeerInfo { return m.self }

func buildInboxName(nodeName string, pid int32) string {
	name := fmt.Sprintf("%s-%d", nodeName, pid)
	if len(name) > segment.NameMax {
		name = name[:segment.NameMax]
	}
	return name
}

// Init brings up a mesh: join-or-create the inbox and registry, recovering
// either if stale, drain the registry's residue, announce, and start the
// housekeeper, per spec §4.8 "Init".
func Init(nodeName string, opts Options) (*Mesh, error) {
	if opts.Backend == nil {
		return nil, ctzerr.New(ctzerr.EInvalidArg)
	}
	opts = applyDefaults(opts)

	pid := int32(os.Getpid())
	inboxName := buildInboxName(nodeName, pid)

	inbox, err := channel.Join(opts.Backend, inboxName, channel.Options{Size: opts.InboxSize, Policy: channel.CreateOrJoin})
	if err != nil {
		return nil, err
	}
	if inbox.IsStale() {
		if err := inbox.Recover(); err != nil {
			inbox.Leave()
			return nil, err
		}
	}

	registry, err := channel.Join(opts.Backend, RegistryName, channel.Options{Size: opts.RegistrySize, Policy: channel.CreateOrJoin})
	if err != nil {
		inbox.Leave()
		return nil, err
	}
	if registry.IsStale() {
		if err := registry.Recover(); err != nil {
			registry.Leave()
			inbox.Leave()
			return nil, err
		}
	}

	m := &Mesh{
		self:     PeerInfo{PID: pid, InboxName: inboxName},
		inbox:    inbox,
		registry: registry,
		backend:  opts.Backend,
		opts:     opts,
		log:      opts.Logger.With().Str("node", nodeName).Int32("pid", pid).Logger(),
		peers:    make(map[int32]*peerEntry),
	}

	// Step 5: drain pre-existing registry residue so a restart doesn't
	// resurrect the previous incarnation's peer view.
	for {
		msg, err := m.registry.Read(0)
		if err != nil {
			break
		}
		m.registry.Release(msg)
	}

	if err := m.broadcastRegistry(RegisterMsg); err != nil {
		m.log.Warn().Err(err).Msg("register broadcast failed")
	}

	m.startHousekeeper()
	m.log.Info().Str("inbox", inboxName).Msg("mesh initialized")
	return m, nil
}

func (m *Mesh) broadcastRegistry(msgType uint16) error {
	return m.registry.WriteMessage(msgType, encodePeerInfo(m.self))
}

// resolvePeerChannel implements spec §4.8 Send steps 1-2: look up the
// peer, lazily join and cache its inbox, take an extra reference under the
// lock, then return it for the caller to use (and eventually Leave)
// outside the lock.
func (m *Mesh) resolvePeerChannel(targetPID int32) (*channel.Channel, error) {
	m.peersMu.Lock()
	entry, ok := m.peers[targetPID]
	if !ok {
		m.peersMu.Unlock()
		return nil, m.setLastError(ctzerr.New(ctzerr.EPeerNotFound))
	}
	if entry.ch == nil {
		ch, err := channel.Join(m.backend, entry.info.InboxName, channel.Options{Policy: channel.JoinOnly})
		if err != nil {
			m.peersMu.Unlock()
			return nil, m.setLastError(err)
		}
		entry.ch = ch
	}
	ref := entry.ch.Ref()
	m.peersMu.Unlock()
	return ref, nil
}

// Send performs a copying write to target_pid's inbox, per spec §4.8
// "Send".
func (m *Mesh) Send(targetPID int32, msgType uint16, payload []byte) error {
	ch, err := m.resolvePeerChannel(targetPID)
	if err != nil {
		return err
	}
	defer ch.Leave()
	return m.setLastError(ch.WriteMessage(msgType, payload))
}

// SendZCHandle wraps a zero-copy write handle together with the extra
// peer-channel reference the mesh holds across Begin/Commit-or-Abort, per
// spec §4.8 "Begin-send-zc".
type SendZCHandle struct {
	zc *channel.ZCHandle
	ch *channel.Channel
}

// Slices exposes the raw payload regions to fill before CommitSendZC.
func (h *SendZCHandle) Slices() (first, second []byte) { return h.zc.Slices() }

// BeginSendZC reserves a zero-copy frame on target_pid's inbox.
func (m *Mesh) BeginSendZC(targetPID int32, payloadSize int) (*SendZCHandle, error) {
	ch, err := m.resolvePeerChannel(targetPID)
	if err != nil {
		return nil, err
	}
	zc, err := ch.BeginWriteZC(payloadSize)
	if err != nil {
		ch.Leave()
		return nil, m.setLastError(err)
	}
	return &SendZCHandle{zc: zc, ch: ch}, nil
}

// CommitSendZC writes the frame header and publishes the frame filled in
// via h.Slices(), then releases the extra peer-channel reference.
func (m *Mesh) CommitSendZC(h *SendZCHandle, msgType uint16) error {
	defer h.ch.Leave()
	return m.setLastError(h.zc.Commit(msgType))
}

// AbortSendZC discards the reservation and releases the extra
// peer-channel reference without publishing anything.
func (m *Mesh) AbortSendZC(h *SendZCHandle) error {
	defer h.ch.Leave()
	return m.setLastError(h.zc.Abort())
}

// Read delegates to the inbox channel's read with the same timeout
// semantics, per spec §4.8 "Read(timeout)".
func (m *Mesh) Read(timeout time.Duration) (*channel.Message, error) {
	msg, err := m.inbox.Read(timeout)
	if err != nil {
		return nil, m.setLastError(err)
	}
	return msg, nil
}

// FindPeerByName scans the peer table for an entry whose inbox name
// begins with prefix+"-", returning its pid or zero on no match, per spec
// §4.8 "Find-peer-by-name".
func (m *Mesh) FindPeerByName(prefix string) int32 {
	want := prefix + "-"
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	for pid, e := range m.peers {
		if len(e.info.InboxName) >= len(want) && e.info.InboxName[:len(want)] == want {
			return pid
		}
	}
	return 0
}

// Peers returns a snapshot of the current peer table.
func (m *Mesh) Peers() []PeerInfo {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, e := range m.peers {
		out = append(out, e.info)
	}
	return out
}

// Shutdown stops the housekeeper, announces GOODBYE, tears down cached
// peer channels, and leaves the inbox and registry, per spec §4.8
// "Shutdown".
func (m *Mesh) Shutdown() error {
	if m.hkCancel != nil {
		m.hkCancel()
		m.hkGroup.Wait()
	}

	if err := m.broadcastRegistry(GoodbyeMsg); err != nil {
		m.log.Warn().Err(err).Msg("goodbye broadcast failed")
	}

	m.peersMu.Lock()
	for pid, e := range m.peers {
		if e.ch != nil {
			e.ch.Leave()
		}
		delete(m.peers, pid)
	}
	m.peersMu.Unlock()

	var firstErr error
	if err := m.inbox.Leave(); err != nil {
		m.setLastError(err)
		firstErr = err
	}
	if err := m.registry.Leave(); err != nil {
		m.setLastError(err)
		if firstErr == nil {
			firstErr = err
		}
	}
	m.log.Info().Msg("mesh shut down")
	return firstErr
}
