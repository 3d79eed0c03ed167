package pairing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const browseTimeout = 2 * time.Second

// startDiscovery advertises this device over mDNS and starts the
// browse loop that tracks peers on the LAN.
func (m *Manager) startDiscovery(ctx context.Context) error {
	host, err := os.Hostname()
	if err != nil {
		host = "islandd"
	}

	txt := []string{
		"uuid=" + m.cfg.Device.UUID,
		"name=" + m.cfg.Device.DisplayName,
	}
	service, err := mdns.NewMDNSService(
		m.cfg.Device.UUID,
		m.cfg.Discovery.Service,
		"",
		host+".",
		m.cfg.Listen.Port,
		nil,
		txt,
	)
	if err != nil {
		return fmt.Errorf("build mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("start mdns advertiser: %w", err)
	}

	m.mu.Lock()
	m.advertiser = server
	m.mu.Unlock()

	m.logger.Info("discovery started", "service", m.cfg.Discovery.Service)

	m.wg.Add(1)
	go m.browseLoop(ctx)
	return nil
}

func (m *Manager) stopDiscovery() {
	m.mu.Lock()
	server := m.advertiser
	m.advertiser = nil
	m.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
}

// browseLoop re-queries the LAN on the configured interval. A peer
// present in a round but not before is found; a known peer absent from
// a round is lost.
func (m *Manager) browseLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.Discovery.BrowseIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.browseOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) browseOnce(ctx context.Context) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	current := make(map[string]PeerEvent)

	go func() {
		defer close(done)
		for entry := range entries {
			ev, ok := m.entryToEvent(entry)
			if !ok || ev.UUID == m.cfg.Device.UUID {
				continue
			}
			current[ev.UUID] = ev
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     m.cfg.Discovery.Service,
		Timeout:     browseTimeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	<-done

	if err != nil {
		m.logger.Debug("mdns query failed", "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	var events []PeerEvent
	for uuid, ev := range current {
		if _, known := m.seen[uuid]; !known {
			ev.Type = PeerFound
			events = append(events, ev)
		}
		m.seen[uuid] = ev
	}
	for uuid, ev := range m.seen {
		if _, still := current[uuid]; !still {
			delete(m.seen, uuid)
			ev.Type = PeerLost
			events = append(events, ev)
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.logger.Info("peer "+string(ev.Type), "peer", ev.UUID, "name", ev.DisplayName, "address", ev.Address)
		m.emit(ev)
	}
}

// entryToEvent extracts peer identity from an mDNS service entry.
func (m *Manager) entryToEvent(entry *mdns.ServiceEntry) (PeerEvent, bool) {
	ev := PeerEvent{Port: entry.Port}
	if entry.AddrV4 != nil {
		ev.Address = entry.AddrV4.String()
	}
	for _, field := range entry.InfoFields {
		switch {
		case strings.HasPrefix(field, "uuid="):
			ev.UUID = strings.TrimPrefix(field, "uuid=")
		case strings.HasPrefix(field, "name="):
			ev.DisplayName = strings.TrimPrefix(field, "name=")
		}
	}
	if ev.UUID == "" {
		return ev, false
	}
	return ev, true
}
