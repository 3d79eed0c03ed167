package island

import (
	"fmt"
	"strings"

	"islandd/internal/wire"
)

// ApplyResult describes the outcome of applying one inbound packet.
type ApplyResult struct {
	FeatureID  string
	State      *State // merged state after a content packet
	Ended      bool
	Suppressed bool // dropped by lock-screen burst dedup or merge rejection

	// Ack to send back for content packets, nil otherwise.
	Ack *wire.Packet
}

// Apply drives the receiver state machine for one packet from a peer.
// Content packets merge into the per-(peer, feature id) session; end
// packets tear it down; acks feed the sender-side counters.
func (e *Engine) Apply(peerUUID string, p *wire.Packet) (*ApplyResult, error) {
	switch p.Type {
	case wire.TypeAck:
		e.RegisterAck(p.Hash)
		return &ApplyResult{}, nil

	case wire.TypeEnd:
		return e.applyEnd(peerUUID, p), nil

	case wire.TypeFull, wire.TypeDelta:
		return e.applyContent(peerUUID, p), nil

	default:
		return nil, fmt.Errorf("unknown packet type %q", p.Type)
	}
}

// applyContent merges a full or delta packet into the session.
func (e *Engine) applyContent(peerUUID string, p *wire.Packet) *ApplyResult {
	key := sessionKey{peer: peerUUID, featureID: p.FeatureKeyValue}
	res := &ApplyResult{FeatureID: p.FeatureKeyValue}

	e.mu.Lock()
	defer e.mu.Unlock()

	locked := e.locked()
	if locked && e.burst[key] {
		// A second content packet for the same session while the screen
		// is locked is a delivery burst, not new information.
		e.logger.Debug("burst packet suppressed", "peer", peerUUID, "feature", p.FeatureKeyValue)
		res.Suppressed = true
		return res
	}

	existing := e.sessions[key]
	if p.Type == wire.TypeFull {
		// A full packet is an idempotent reset, never a diff.
		existing = nil
	}

	merged := e.merge(existing, p)
	if merged == nil {
		// Semantically empty: drop without materializing a blank
		// display, and let a later retry through.
		delete(e.burst, key)
		res.Suppressed = true
		return res
	}

	e.sessions[key] = merged
	if p.PackageName != "" {
		e.sessionPkg[key] = p.PackageName
		e.lastApplied[appliedKey(peerUUID, p.PackageName)] = p.FeatureKeyValue
	}
	if locked {
		e.burst[key] = true
	} else {
		delete(e.burst, key)
	}

	res.State = merged.clone()
	if p.Hash != "" {
		res.Ack = &wire.Packet{Type: wire.TypeAck, Hash: p.Hash}
	}
	e.publishLocked(Update{PeerUUID: peerUUID, FeatureID: p.FeatureKeyValue, State: res.State})
	return res
}

// applyEnd resolves the session a terminator targets and tears it
// down. A terminator can race ahead of or behind content packets, so
// resolution falls back from exact id to a prefix match on the peer's
// sessions for the same package, then to the last applied feature id
// for that package. Losing a display beats leaving a stale one.
func (e *Engine) applyEnd(peerUUID string, p *wire.Packet) *ApplyResult {
	res := &ApplyResult{Ended: true}

	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.resolveEndTarget(peerUUID, p)
	if !ok {
		e.logger.Debug("terminator without session", "peer", peerUUID, "feature", p.FeatureKeyValue)
		return res
	}

	res.FeatureID = key.featureID
	delete(e.sessions, key)
	delete(e.sessionPkg, key)
	delete(e.burst, key)
	e.publishLocked(Update{PeerUUID: peerUUID, FeatureID: key.featureID, State: nil})
	return res
}

func (e *Engine) resolveEndTarget(peerUUID string, p *wire.Packet) (sessionKey, bool) {
	// Exact feature id match.
	exact := sessionKey{peer: peerUUID, featureID: p.FeatureKeyValue}
	if _, ok := e.sessions[exact]; ok {
		return exact, true
	}

	// Prefix match among this peer's sessions for the same package.
	if p.FeatureKeyValue != "" {
		for key := range e.sessions {
			if key.peer != peerUUID {
				continue
			}
			if p.PackageName != "" && e.sessionPkg[key] != p.PackageName {
				continue
			}
			if strings.HasPrefix(key.featureID, p.FeatureKeyValue) {
				return key, true
			}
		}
	}

	// Last feature id applied for (peer, package).
	if p.PackageName != "" {
		if featureID, ok := e.lastApplied[appliedKey(peerUUID, p.PackageName)]; ok {
			key := sessionKey{peer: peerUUID, featureID: featureID}
			if _, live := e.sessions[key]; live {
				return key, true
			}
		}
	}

	return sessionKey{}, false
}

// merge combines an incoming content packet with the existing session
// state. Returns nil for semantically empty packets. Caller holds
// e.mu.
func (e *Engine) merge(existing *State, p *wire.Packet) *State {
	if p.Title == nil && p.Text == nil && p.ParamV2Raw == nil && len(p.Pics) == 0 && len(p.PicsRemoved) == 0 {
		return nil
	}

	var s *State
	if existing != nil {
		s = existing.clone()
	} else {
		s = &State{}
	}

	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Text != nil {
		s.Text = *p.Text
	}
	if p.ParamV2Raw != nil {
		s.RichPayloadRaw = *p.ParamV2Raw
	}

	if len(p.Pics) > 0 && s.Images == nil {
		s.Images = make(map[string]string, len(p.Pics))
	}
	for k, v := range p.Pics {
		s.Images[k] = e.internImage(v)
	}
	for _, k := range p.PicsRemoved {
		delete(s.Images, k)
	}

	// A fresh session must arrive with content; a live one may be
	// emptied by removals and still needs the transition applied.
	if existing == nil && s.Empty() {
		return nil
	}
	return s
}

// internImage stores an inline image value and returns its ref. Values
// already in ref form pass through.
func (e *Engine) internImage(value string) string {
	if e.content == nil {
		return value
	}
	return e.content.Intern(value)
}

func appliedKey(peerUUID, pkg string) string {
	return peerUUID + "\x00" + pkg
}
