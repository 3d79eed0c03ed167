package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"islandd/internal/store"
	"islandd/internal/wire"
)

// link is one live peer connection. Writes are serialized; reads happen
// on a dedicated goroutine per link.
type link struct {
	uuid        string
	displayName string
	conn        net.Conn

	writeMu sync.Mutex
	missed  int

	closeOnce sync.Once
}

func (l *link) writeFrame(f *wire.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return f.Write(l.conn)
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		l.conn.Close()
	})
}

const dialTimeout = 5 * time.Second

// acceptLoop accepts inbound peer connections until the listener
// closes.
func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener) {
	defer m.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("accept failed", "error", err)
			return
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.handleInbound(ctx, conn); err != nil {
				m.logger.Debug("inbound connection ended", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// handleInbound performs the hello exchange on an accepted connection
// and hands it to the read loop.
func (m *Manager) handleInbound(ctx context.Context, conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if frame.Header.Type != wire.FrameHello {
		conn.Close()
		return fmt.Errorf("expected hello, got frame type %#x", frame.Header.Type)
	}

	var hello wire.Hello
	if err := json.Unmarshal(frame.Body, &hello); err != nil {
		conn.Close()
		return fmt.Errorf("parse hello: %w", err)
	}

	if err := m.sendHello(conn); err != nil {
		conn.Close()
		return err
	}

	return m.runLink(ctx, conn, &hello)
}

// Connect dials a peer, performs the hello exchange, and starts the
// read loop. Idempotent for already-connected peers.
func (m *Manager) Connect(ctx context.Context, peerUUID, address string, port int) error {
	m.mu.Lock()
	if m.links[peerUUID] != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return fmt.Errorf("dial peer %s: %w", peerUUID, err)
	}

	if err := m.sendHello(conn); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if frame.Header.Type != wire.FrameHello {
		conn.Close()
		return fmt.Errorf("expected hello, got frame type %#x", frame.Header.Type)
	}
	var hello wire.Hello
	if err := json.Unmarshal(frame.Body, &hello); err != nil {
		conn.Close()
		return fmt.Errorf("parse hello: %w", err)
	}
	if hello.UUID != peerUUID {
		conn.Close()
		return fmt.Errorf("peer identity mismatch: dialed %s, got %s", peerUUID, hello.UUID)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.runLink(ctx, conn, &hello); err != nil {
			m.logger.Debug("outbound connection ended", "peer", peerUUID, "error", err)
		}
	}()
	return nil
}

func (m *Manager) sendHello(conn net.Conn) error {
	hello := wire.Hello{
		UUID:        m.cfg.Device.UUID,
		DisplayName: m.cfg.Device.DisplayName,
		PublicKey:   m.keys.PublicKey(),
		Version:     wire.ProtocolVersion,
	}
	body, err := json.Marshal(hello)
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	l := link{conn: conn}
	return l.writeFrame(wire.NewFrame(wire.FrameHello, 0, body))
}

// runLink registers the connection and reads frames until it drops.
// Only one link per peer; a newer connection replaces the old one.
func (m *Manager) runLink(ctx context.Context, conn net.Conn, hello *wire.Hello) error {
	l := &link{
		uuid:        hello.UUID,
		displayName: hello.DisplayName,
		conn:        conn,
	}

	m.mu.Lock()
	if old := m.links[l.uuid]; old != nil {
		old.close()
	}
	m.links[l.uuid] = l
	peer := m.peers[l.uuid]
	if peer != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			peer.Address = host
		}
		if peer.DisplayName == "" {
			peer.DisplayName = hello.DisplayName
		}
	}
	m.mu.Unlock()

	m.markSeenOnline(l.uuid)
	m.emit(PeerEvent{Type: PeerOnline, UUID: l.uuid, DisplayName: l.displayName})
	m.logger.Info("peer connected", "peer", l.uuid, "name", l.displayName)

	defer func() {
		l.close()
		m.mu.Lock()
		if m.links[l.uuid] == l {
			delete(m.links, l.uuid)
		}
		m.mu.Unlock()
		m.emit(PeerEvent{Type: PeerOffline, UUID: l.uuid, DisplayName: l.displayName})
	}()

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := m.dispatch(l, frame); err != nil {
			m.logger.Warn("frame dropped", "peer", l.uuid, "type", frame.Header.Type, "error", err)
		}
	}
}

// dispatch handles one inbound frame.
func (m *Manager) dispatch(l *link, frame *wire.Frame) error {
	switch frame.Header.Type {
	case wire.FramePing:
		return l.writeFrame(wire.NewFrame(wire.FramePong, 0, nil))

	case wire.FramePong:
		m.mu.Lock()
		l.missed = 0
		m.mu.Unlock()
		m.markSeenOnline(l.uuid)
		return nil

	case wire.FramePair:
		return m.handlePairFrame(l, frame)

	case wire.FrameData:
		body := frame.Body
		if frame.Header.Flags&wire.FlagSealed != 0 {
			var err error
			body, err = m.OpenFrom(l.uuid, frame.Body)
			if err != nil {
				return err
			}
		}
		m.markSeenOnline(l.uuid)
		if m.onPacket != nil {
			m.onPacket(l.uuid, body)
		}
		return nil

	default:
		return fmt.Errorf("unknown frame type %#x", frame.Header.Type)
	}
}

// handlePairFrame processes a handshake request or response.
func (m *Manager) handlePairFrame(l *link, frame *wire.Frame) error {
	body := frame.Body
	if frame.Header.Flags&wire.FlagControlSealed != 0 {
		var err error
		body, err = m.keys.OpenFromPublicKey(frame.Body)
		if err != nil {
			return fmt.Errorf("open pair frame: %w", err)
		}
	}

	var msg wire.Pair
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("parse pair frame: %w", err)
	}

	// A response completes a pending handshake we initiated.
	if msg.Reply {
		m.deliverPairResponse(l.uuid, &msg)
		return nil
	}

	// A request carries the PIN this device displayed. The accepting
	// reply carries the PIN entered here for the peer's display, so the
	// initiator can validate this device in turn.
	reply := wire.Pair{
		UUID:      m.cfg.Device.UUID,
		PublicKey: m.keys.PublicKey(),
		Reply:     true,
		Accept:    true,
	}
	if err := m.CompleteHandshake(l.uuid, msg.PublicKey, msg.Pin); err != nil {
		reply.Accept = false
		var authErr *AuthError
		if errors.As(err, &authErr) {
			reply.Reason = authErr.Reason
		}
		m.logger.Warn("handshake refused", "peer", l.uuid, "error", err)
	} else {
		reply.Pin = m.takePinInput(l.uuid)
	}

	replyBody, err := json.Marshal(&reply)
	if err != nil {
		return fmt.Errorf("encode pair reply: %w", err)
	}
	flags := uint8(0)
	if len(msg.PublicKey) > 0 {
		if sealed, err := SealToPublicKey(msg.PublicKey, replyBody); err == nil {
			replyBody = sealed
			flags = wire.FlagControlSealed
		}
	}
	return l.writeFrame(wire.NewFrame(wire.FramePair, flags, replyBody))
}

// pending handshakes we initiated, keyed by peer uuid.
var errHandshakeTimeout = errors.New("pairing: handshake timed out")

type pendingHandshake struct {
	ch chan *wire.Pair
}

// RequestPairing sends the locally entered PIN (the one the peer
// displays) to the peer and waits for its verdict. Pairing is mutual:
// this device must have displayed its own PIN via BeginPairing, and an
// accepting reply is adopted only after the PIN the peer's user
// entered validates against it.
func (m *Manager) RequestPairing(ctx context.Context, peerUUID, pinInput string) error {
	m.mu.Lock()
	l := m.links[peerUUID]
	peer := m.peers[peerUUID]
	m.mu.Unlock()

	if l == nil {
		return ErrPeerOffline
	}

	msg := wire.Pair{
		UUID:      m.cfg.Device.UUID,
		Pin:       pinInput,
		PublicKey: m.keys.PublicKey(),
	}
	body, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode pair request: %w", err)
	}

	flags := uint8(0)
	if peer != nil && len(peer.PublicKey) > 0 {
		if sealed, err := SealToPublicKey(peer.PublicKey, body); err == nil {
			body = sealed
			flags = wire.FlagControlSealed
		}
	}

	pending := &pendingHandshake{ch: make(chan *wire.Pair, 1)}
	m.mu.Lock()
	if m.pending == nil {
		m.pending = make(map[string]*pendingHandshake)
	}
	m.pending[peerUUID] = pending
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, peerUUID)
		m.mu.Unlock()
	}()

	if err := l.writeFrame(wire.NewFrame(wire.FramePair, flags, body)); err != nil {
		return fmt.Errorf("send pair request: %w", err)
	}

	lifetime := time.Duration(m.cfg.Pairing.PinLifetimeSecs) * time.Second
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(lifetime):
		return errHandshakeTimeout
	case resp := <-pending.ch:
		return m.completeInitiatedHandshake(peerUUID, resp)
	}
}

// completeInitiatedHandshake settles a handshake this device started.
// The peer's verdict alone establishes nothing: an accepting reply
// must carry the PIN this device displayed, validated with the same
// freshness rules the responder applies, before the key is adopted.
func (m *Manager) completeInitiatedHandshake(peerUUID string, resp *wire.Pair) error {
	if !resp.Accept {
		return &AuthError{Reason: resp.Reason, Err: reasonError(resp.Reason)}
	}
	if err := m.verifyIssuedPin(peerUUID, resp.Pin); err != nil {
		m.logger.Warn("handshake reply refused", "peer", peerUUID, "error", err)
		return err
	}
	m.clearPin(peerUUID)
	return m.adoptPeerKey(peerUUID, resp.PublicKey)
}

// adoptPeerKey derives and persists the session key after the peer
// accepted our handshake.
func (m *Manager) adoptPeerKey(peerUUID string, remotePublic []byte) error {
	sharedKey, err := m.keys.DeriveSessionKey(remotePublic)
	if err != nil {
		return err
	}

	m.mu.Lock()
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

func (m *Manager) deliverPairResponse(peerUUID string, msg *wire.Pair) {
	m.mu.Lock()
	pending := m.pending[peerUUID]
	m.mu.Unlock()

	if pending == nil {
		m.logger.Debug("unsolicited pair response", "peer", peerUUID)
		return
	}
	select {
	case pending.ch <- msg:
	default:
	}
}

// SendPacket seals a sync packet with the peer session key and writes
// it as a data frame.
func (m *Manager) SendPacket(peerUUID string, payload []byte) error {
	m.mu.Lock()
	l := m.links[peerUUID]
	m.mu.Unlock()

	if l == nil {
		return ErrPeerOffline
	}

	sealed, err := m.SealFor(peerUUID, payload)
	if err != nil {
		return err
	}
	return l.writeFrame(wire.NewFrame(wire.FrameData, wire.FlagSealed, sealed))
}

// heartbeatLoop pings every live link on the configured interval. A
// link that misses the threshold in a row is closed and its peer marked
// offline; the pairing record itself is untouched.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.Pairing.HeartbeatSecs) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pingLinks()
		}
	}
}

func (m *Manager) pingLinks() {
	m.mu.Lock()
	var stale []*link
	live := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		l.missed++
		if l.missed > m.cfg.Pairing.MissThreshold {
			stale = append(stale, l)
			continue
		}
		live = append(live, l)
	}
	m.mu.Unlock()

	for _, l := range stale {
		m.logger.Info("peer unresponsive, closing link", "peer", l.uuid, "missed", l.missed)
		l.close()
	}
	for _, l := range live {
		if err := l.writeFrame(wire.NewFrame(wire.FramePing, 0, nil)); err != nil {
			m.logger.Debug("ping failed", "peer", l.uuid, "error", err)
			l.close()
		}
	}
}
