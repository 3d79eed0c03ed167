package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"islandd/internal/config"
	"islandd/internal/logging"
	"islandd/internal/store"
)

// Manager owns peer identities, PIN handshakes, the peer listener,
// discovery, and heartbeats.
type Manager struct {
	cfg    *config.Config
	db     *store.Store
	logger *logging.Logger
	keys   *KeyPair
	now    func() time.Time

	mu        sync.Mutex
	pins      map[string]*Pin   // peer uuid -> outstanding pin
	pinInputs map[string]string // peer uuid -> locally entered remote pin
	peers     map[string]*store.Peer
	links     map[string]*link     // peer uuid -> live connection
	seen      map[string]PeerEvent // last discovery sighting per uuid

	// handshakes this device initiated, awaiting the peer's verdict
	pending map[string]*pendingHandshake

	// onPacket receives decrypted data frame bodies.
	onPacket func(peerUUID string, body []byte)

	events chan PeerEvent

	listener   net.Listener
	advertiser *mdns.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// NewManager creates a pairing manager. The device key pair is
// generated fresh if keys is nil.
func NewManager(cfg *config.Config, db *store.Store, logger *logging.Logger, keys *KeyPair) (*Manager, error) {
	if keys == nil {
		var err error
		keys, err = GenerateKeyPair()
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = logging.Default()
	}

	m := &Manager{
		cfg:       cfg,
		db:        db,
		logger:    logger.WithComponent("pairing"),
		keys:      keys,
		now:       time.Now,
		pins:      make(map[string]*Pin),
		pinInputs: make(map[string]string),
		peers:     make(map[string]*store.Peer),
		links:     make(map[string]*link),
		seen:      make(map[string]PeerEvent),
		events:    make(chan PeerEvent, 32),
	}

	if db != nil {
		persisted, err := db.ListPeers()
		if err != nil {
			return nil, fmt.Errorf("load peers: %w", err)
		}
		for i := range persisted {
			p := persisted[i]
			m.peers[p.UUID] = &p
		}
	}

	return m, nil
}

// OnPacket registers the receiver for decrypted data payloads. Must be
// called before Start.
func (m *Manager) OnPacket(fn func(peerUUID string, body []byte)) {
	m.onPacket = fn
}

// PublicKey returns this device's public key.
func (m *Manager) PublicKey() []byte {
	return m.keys.PublicKey()
}

// Start brings up the listener, discovery, and the heartbeat loop.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", m.cfg.Listen.Address, m.cfg.Listen.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	m.mu.Lock()
	m.listener = ln
	m.cancel = cancel
	m.started = true
	m.mu.Unlock()

	m.logger.Info("peer listener started", "address", addr)

	m.wg.Add(2)
	go m.acceptLoop(ctx, ln)
	go m.heartbeatLoop(ctx)

	if m.cfg.Discovery.Enabled {
		if err := m.startDiscovery(ctx); err != nil {
			m.logger.Warn("discovery unavailable", "error", err)
		}
	}

	return nil
}

// Stop tears down connections, the listener, and discovery.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	ln := m.listener
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	cancel()
	if ln != nil {
		ln.Close()
	}
	for _, l := range links {
		l.close()
	}
	m.stopDiscovery()
	m.wg.Wait()
}

// Events returns the peer discovery and liveness event stream.
func (m *Manager) Events() <-chan PeerEvent {
	return m.events
}

// Peers returns a snapshot of all known peers.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		infos = append(infos, m.infoLocked(p))
	}
	return infos
}

func (m *Manager) infoLocked(p *store.Peer) PeerInfo {
	info := PeerInfo{
		UUID:        p.UUID,
		DisplayName: p.DisplayName,
		Address:     p.Address,
		Port:        p.Port,
	}
	if p.LastSeenOnline > 0 {
		info.LastSeenOnline = time.UnixMilli(p.LastSeenOnline)
	}

	switch {
	case p.Rejected:
		info.State = StateRejected
	case p.Accepted && m.links[p.UUID] != nil:
		info.State = StateAuthenticated
	case p.Accepted:
		info.State = StateOffline
	case m.pins[p.UUID] != nil:
		info.State = StatePinIssued
	default:
		info.State = StateDiscovered
	}
	return info
}

// BeginPairing issues a fresh PIN for a handshake with the given peer.
// The PIN is displayed locally and must be entered on the peer within
// its lifetime. Non-blocking; any previous outstanding PIN for the peer
// is replaced.
func (m *Manager) BeginPairing(peerUUID string) (*Pin, error) {
	code, err := generatePin()
	if err != nil {
		return nil, err
	}

	now := m.now()
	pin := &Pin{
		Code:      code,
		PeerUUID:  peerUUID,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(m.cfg.Pairing.PinLifetimeSecs) * time.Second),
	}

	m.mu.Lock()
	m.pins[peerUUID] = pin
	m.mu.Unlock()

	m.logger.Info("pairing pin issued", "peer", peerUUID)
	return pin, nil
}

// ProvidePinInput records the locally entered PIN displayed by a peer
// that is expected to initiate the handshake. The responder attaches it
// to its accepting reply so the initiator can validate it in turn.
func (m *Manager) ProvidePinInput(peerUUID, input string) {
	m.mu.Lock()
	m.pinInputs[peerUUID] = input
	m.mu.Unlock()
}

// takePinInput consumes the stored entry for a peer, if any.
func (m *Manager) takePinInput(peerUUID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	input := m.pinInputs[peerUUID]
	delete(m.pinInputs, peerUUID)
	return input
}

// verifyIssuedPin checks a peer-submitted PIN against the one this
// device issued for that peer. Mismatch and expiry both burn the pin;
// a fresh one must be issued to retry.
func (m *Manager) verifyIssuedPin(peerUUID, submitted string) error {
	m.mu.Lock()
	pin := m.pins[peerUUID]
	m.mu.Unlock()

	if pin == nil {
		return &AuthError{Reason: ReasonNoPin, Err: ErrNoPin}
	}
	if pin.Expired(m.now()) {
		m.clearPin(peerUUID)
		return &AuthError{Reason: ReasonPinExpired, Err: ErrPinExpired}
	}
	if !pinsEqual(pin.Code, submitted) {
		m.clearPin(peerUUID)
		return &AuthError{Reason: ReasonPinMismatch, Err: ErrPinMismatch}
	}
	return nil
}

// CompleteHandshake validates the PIN a peer submitted against the one
// issued for it, and on success derives and persists the shared session
// key. Failure returns an AuthError and retains no session state.
func (m *Manager) CompleteHandshake(peerUUID string, remotePublic []byte, submittedPin string) error {
	if err := m.verifyIssuedPin(peerUUID, submittedPin); err != nil {
		return err
	}

	sharedKey, err := m.keys.DeriveSessionKey(remotePublic)
	if err != nil {
		m.clearPin(peerUUID)
		return &AuthError{Reason: ReasonPinMismatch, Err: err}
	}

	m.mu.Lock()
	delete(m.pins, peerUUID)
	peer := m.peers[peerUUID]
	if peer == nil {
		peer = &store.Peer{UUID: peerUUID}
		m.peers[peerUUID] = peer
	}
	peer.PublicKey = append([]byte(nil), remotePublic...)
	peer.SharedKey = sharedKey
	peer.Accepted = true
	peer.Rejected = false
	snapshot := *peer
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.UpsertPeer(&snapshot); err != nil {
			return fmt.Errorf("persist peer: %w", err)
		}
	}

	m.logger.Info("peer authenticated", "peer", peerUUID)
	return nil
}

func (m *Manager) clearPin(peerUUID string) {
	m.mu.Lock()
	delete(m.pins, peerUUID)
	m.mu.Unlock()
}

// RejectPeer marks a peer rejected; its handshakes are refused until
// RemovePeer clears the record.
func (m *Manager) RejectPeer(peerUUID string) error {
	m.mu.Lock()
	peer := m.peers[peerUUID]
	if peer == nil {
		peer = &store.Peer{UUID: peerUUID}
		m.peers[peerUUID] = peer
	}
	peer.Accepted = false
	peer.Rejected = true
	peer.SharedKey = nil
	snapshot := *peer
	link := m.links[peerUUID]
	delete(m.links, peerUUID)
	m.mu.Unlock()

	if link != nil {
		link.close()
	}
	if m.db != nil {
		return m.db.UpsertPeer(&snapshot)
	}
	return nil
}

// RemovePeer destroys all pairing state for a peer: keys, outstanding
// pin, live connection, persisted record.
func (m *Manager) RemovePeer(peerUUID string) error {
	m.mu.Lock()
	delete(m.pins, peerUUID)
	delete(m.pinInputs, peerUUID)
	delete(m.peers, peerUUID)
	link := m.links[peerUUID]
	delete(m.links, peerUUID)
	m.mu.Unlock()

	if link != nil {
		link.close()
	}
	if m.db != nil {
		if err := m.db.DeletePeer(peerUUID); err != nil {
			return fmt.Errorf("remove peer: %w", err)
		}
	}

	m.logger.Info("peer removed", "peer", peerUUID)
	return nil
}

// sharedKey returns the session key for an authenticated peer.
func (m *Manager) sharedKey(peerUUID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer := m.peers[peerUUID]
	if peer == nil {
		return nil, ErrPeerUnknown
	}
	if peer.Rejected {
		return nil, ErrPeerRejected
	}
	if !peer.Accepted || len(peer.SharedKey) == 0 {
		return nil, ErrPeerUnknown
	}
	return peer.SharedKey, nil
}

// SealFor encrypts a payload for an authenticated peer.
func (m *Manager) SealFor(peerUUID string, payload []byte) ([]byte, error) {
	key, err := m.sharedKey(peerUUID)
	if err != nil {
		return nil, err
	}
	return Seal(key, payload)
}

// OpenFrom decrypts a payload from an authenticated peer. On decrypt
// failure the payload is logged and returned unmodified so the caller
// can still attempt to parse it, unless strict crypto is configured.
func (m *Manager) OpenFrom(peerUUID string, sealed []byte) ([]byte, error) {
	key, err := m.sharedKey(peerUUID)
	if err != nil {
		return nil, err
	}
	plaintext, err := Open(key, sealed)
	if err != nil {
		if m.cfg.Pairing.StrictCrypto {
			return nil, err
		}
		m.logger.Warn("decrypt failed, passing payload through", "peer", peerUUID, "error", err)
		return sealed, nil
	}
	return plaintext, nil
}

// markSeenOnline updates a peer's last-online stamp.
func (m *Manager) markSeenOnline(peerUUID string) {
	nowMs := m.now().UnixMilli()

	m.mu.Lock()
	peer := m.peers[peerUUID]
	if peer == nil {
		m.mu.Unlock()
		return
	}
	peer.LastSeenOnline = nowMs
	snapshot := *peer
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.UpsertPeer(&snapshot); err != nil {
			m.logger.Warn("persist last seen failed", "peer", peerUUID, "error", err)
		}
	}
}

func (m *Manager) emit(ev PeerEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("event dropped, subscriber slow", "type", ev.Type, "peer", ev.UUID)
	}
}

// generatePin produces a random 6-digit code.
func generatePin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
