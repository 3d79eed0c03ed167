// Package relay is the collaborator-facing surface of the daemon. It
// wires local notifications into the sync protocol and inbound packets
// through filtering, merging, dedup, and history.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"islandd/internal/config"
	"islandd/internal/dedup"
	"islandd/internal/history"
	"islandd/internal/island"
	"islandd/internal/logging"
	"islandd/internal/pairing"
	"islandd/internal/wire"
)

// Transport delivers sealed packets to peers.
type Transport interface {
	SendPacket(peerUUID string, payload []byte) error
	Peers() []pairing.PeerInfo
}

// Notifier displays notifications to the local user.
type Notifier interface {
	// Show displays a notification and returns its id for later
	// cancellation.
	Show(c *dedup.Candidate) (string, error)

	// Cancel withdraws a displayed notification.
	Cancel(id string)
}

// PackageMapper translates a sender's package name to the local
// equivalent. Devices can carry the same app under different package
// names.
type PackageMapper func(senderPackage string) string

// Service routes notifications between the local device and its peers.
type Service struct {
	logger  *logging.Logger
	trans   Transport
	islands *island.Engine
	dedup   *dedup.Engine
	hist    *history.Log
	notif   Notifier
	mapPkg  PackageMapper

	mu     sync.RWMutex
	filter config.FilterConfig

	ctx context.Context
}

// New creates the relay service. mapPkg may be nil for identity
// mapping; notifier may be nil to disable local display.
func New(filter config.FilterConfig, trans Transport, islands *island.Engine, ddp *dedup.Engine, hist *history.Log, notif Notifier, mapPkg PackageMapper, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if mapPkg == nil {
		mapPkg = func(pkg string) string { return pkg }
	}
	return &Service{
		logger:  logger.WithComponent("relay"),
		trans:   trans,
		islands: islands,
		dedup:   ddp,
		hist:    hist,
		notif:   notif,
		mapPkg:  mapPkg,
		filter:  filter,
		ctx:     context.Background(),
	}
}

// SetContext installs the daemon context used for delayed display
// timers.
func (s *Service) SetContext(ctx context.Context) {
	s.ctx = ctx
}

// UpdateFilter swaps the filter section. Called on config hot reload.
func (s *Service) UpdateFilter(filter config.FilterConfig) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
	s.logger.Info("notification filter reloaded", "mode", filter.Mode, "packages", len(filter.Packages))
}

func (s *Service) filterSnapshot() config.FilterConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// SendLocalNotification records a local notification and relays its
// session update to every reachable peer. Filtered packages are logged
// locally but never leave the device.
func (s *Service) SendLocalNotification(rec *island.Record) error {
	if s.dedup != nil {
		err := s.dedup.RecordLocal(&dedup.Candidate{
			Key:         rec.SourceKey,
			PackageName: rec.PackageName,
			AppName:     rec.AppName,
			Title:       rec.Title,
			Text:        rec.Text,
			Time:        rec.Time,
			Device:      dedup.LocalDevice,
		})
		if err != nil {
			s.logger.Warn("local notification log failed", "error", err)
		}
	}

	filter := s.filterSnapshot()
	if !filter.Allows(rec.PackageName) {
		s.logger.Debug("notification filtered", "package", rec.PackageName)
		return nil
	}

	p := s.islands.BuildUpdate(rec)
	if p == nil {
		return nil
	}
	return s.broadcast(p)
}

// EndLocalNotification relays the terminator for a dismissed local
// notification.
func (s *Service) EndLocalNotification(sourceKey string) error {
	p := s.islands.BuildEnd(sourceKey)
	if p == nil {
		return nil
	}
	return s.broadcast(p)
}

// broadcast sends a packet to every authenticated peer. Send failures
// are logged per peer; liveness handling belongs to the heartbeat.
func (s *Service) broadcast(p *wire.Packet) error {
	payload, err := wire.Encode(p)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}

	for _, peer := range s.trans.Peers() {
		if peer.State != pairing.StateAuthenticated {
			continue
		}
		if err := s.trans.SendPacket(peer.UUID, payload); err != nil {
			s.logger.Warn("send failed", "peer", peer.UUID, "error", err)
		}
	}
	return nil
}

// OnRemotePacket handles one decrypted payload from a peer. Malformed
// payloads are dropped and logged, never retried.
func (s *Service) OnRemotePacket(peerUUID string, payload []byte) {
	if err := wire.ValidatePacket(payload); err != nil {
		s.logger.Warn("malformed packet dropped", "peer", peerUUID, "error", err)
		return
	}
	p, err := wire.Decode(payload)
	if err != nil {
		s.logger.Warn("undecodable packet dropped", "peer", peerUUID, "error", err)
		return
	}

	if p.IsContent() {
		filter := s.filterSnapshot()
		if !filter.Allows(p.PackageName) {
			s.logger.Debug("remote packet filtered", "peer", peerUUID, "package", p.PackageName)
			return
		}
	}

	originalPkg := p.PackageName
	if p.PackageName != "" {
		p.PackageName = s.mapPkg(p.PackageName)
	}

	res, err := s.islands.Apply(peerUUID, p)
	if err != nil {
		s.logger.Warn("packet dropped", "peer", peerUUID, "error", err)
		return
	}

	if res.Ack != nil {
		if data, err := wire.Encode(res.Ack); err == nil {
			if err := s.trans.SendPacket(peerUUID, data); err != nil {
				s.logger.Debug("ack send failed", "peer", peerUUID, "error", err)
			}
		}
	}

	if res.State == nil || res.Suppressed {
		return
	}

	s.recordHistory(peerUUID, originalPkg, p, res)
	s.display(peerUUID, p, res)
}

func (s *Service) recordHistory(peerUUID, originalPkg string, p *wire.Packet, res *island.ApplyResult) {
	if s.hist == nil {
		return
	}
	err := s.hist.Append(&history.Entry{
		SourceDeviceUUID: peerUUID,
		OriginalPackage:  originalPkg,
		MappedPackage:    p.PackageName,
		AppName:          p.AppName,
		Title:            res.State.Title,
		Text:             res.State.Text,
		RichPayloadRaw:   res.State.RichPayloadRaw,
		Images:           res.State.Images,
		FeatureID:        res.FeatureID,
	})
	if err != nil {
		s.logger.Warn("history append failed", "peer", peerUUID, "error", err)
	}
}

// display runs the merged state through the dedup pipeline and shows
// it.
func (s *Service) display(peerUUID string, p *wire.Packet, res *island.ApplyResult) {
	if s.notif == nil || s.dedup == nil {
		return
	}

	filter := s.filterSnapshot()
	c := &dedup.Candidate{
		Key:         peerUUID + "/" + res.FeatureID,
		PackageName: p.PackageName,
		AppName:     p.AppName,
		Title:       res.State.Title,
		Text:        res.State.Text,
		Time:        time.Now().UnixMilli(),
		Device:      peerUUID,
		NeedsDelay:  filter.NeedsDelay(p.PackageName),
	}

	switch s.dedup.CheckAndRegister(c) {
	case dedup.Suppress:
		return
	case dedup.ShowImmediately:
		s.dedup.ScheduleDelayed(s.ctx, c, func(c *dedup.Candidate) {
			if _, err := s.notif.Show(c); err != nil {
				s.logger.Warn("display failed", "error", err)
			}
		})
	case dedup.ShowWithMonitoring:
		s.dedup.ScheduleDelayed(s.ctx, c, func(c *dedup.Candidate) {
			id, err := s.notif.Show(c)
			if err != nil {
				s.logger.Warn("display failed", "error", err)
				return
			}
			s.dedup.RegisterWithdrawal(id, c)
		})
	}
}

// SubscribeIslands streams remote session state transitions.
func (s *Service) SubscribeIslands() (<-chan island.Update, func()) {
	return s.islands.Subscribe()
}

// SubscribeHistory streams history snapshots.
func (s *Service) SubscribeHistory() (<-chan []history.Entry, func()) {
	return s.hist.Subscribe()
}

// ReleasePeer drops per-peer session state after a pairing removal.
func (s *Service) ReleasePeer(peerUUID string) {
	s.islands.ReleasePeer(peerUUID)
}
