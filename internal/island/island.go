// Package island implements the differential sync protocol for live
// notification sessions.
//
// The sender diffs each observation of a session against the last
// snapshot it sent and emits a full packet on first sight, deltas
// after, and an end packet on dismissal. The receiver drives a
// per-(peer, feature id) state machine: full resets, delta merges
// field-wise, end tears down. Content packets carry a hash the
// receiver echoes back as an ack; acks are diagnostics only and never
// block the sender.
package island

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"islandd/internal/contentstore"
	"islandd/internal/identity"
	"islandd/internal/logging"
	"islandd/internal/wire"
)

// Record is one observation of a local notification session.
type Record struct {
	// SourceKey is the sender-local notification instance key. All
	// observations of one live session must carry the same key.
	SourceKey string

	PackageName    string
	AppName        string
	Title          string
	Text           string
	RichPayloadRaw string
	Images         map[string]string // display key -> raw value
	Time           int64             // unix milliseconds
	IsLocked       bool
}

// State is the merged view of one remote session.
type State struct {
	Title          string
	Text           string
	RichPayloadRaw string
	Images         map[string]string // display key -> content ref
}

// Empty reports whether the state has no displayable content.
func (s *State) Empty() bool {
	return s == nil || (s.Title == "" && s.Text == "" && s.RichPayloadRaw == "" && len(s.Images) == 0)
}

func (s *State) clone() *State {
	c := &State{Title: s.Title, Text: s.Text, RichPayloadRaw: s.RichPayloadRaw}
	if len(s.Images) > 0 {
		c.Images = make(map[string]string, len(s.Images))
		for k, v := range s.Images {
			c.Images[k] = v
		}
	}
	return c
}

// Update is one state transition published to subscribers. State is
// nil when the session ended.
type Update struct {
	PeerUUID  string
	FeatureID string
	State     *State
}

// AckStats counts content packet acknowledgements.
type AckStats struct {
	Sent  int64 // content packets sent
	Acked int64 // acks received matching an outstanding hash
	Stray int64 // acks with no outstanding hash
}

// sessionKey identifies a receiver-side session.
type sessionKey struct {
	peer      string
	featureID string
}

// sentSnapshot is the last state sent for a local session.
type sentSnapshot struct {
	featureID   string
	packageName string
	state       State
	sentAt      time.Time
}

// Engine holds both sides of the sync protocol.
type Engine struct {
	logger  *logging.Logger
	content *contentstore.Store
	locked  func() bool
	now     func() time.Time

	mu sync.Mutex

	// sender side, keyed by source key
	lastSent map[string]*sentSnapshot

	// receiver side
	sessions    map[sessionKey]*State
	sessionPkg  map[sessionKey]string // mapped package per session
	lastApplied map[string]string     // peer+"\x00"+pkg -> featureID
	burst       map[sessionKey]bool   // lock-screen burst suppression

	// sender-side outstanding content hashes
	outstanding map[string]struct{}
	stats       AckStats

	subs   map[int]chan Update
	nextID int
}

// NewEngine creates a sync engine. locked reports the local lock
// state; nil means never locked.
func NewEngine(content *contentstore.Store, locked func() bool, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if locked == nil {
		locked = func() bool { return false }
	}
	return &Engine{
		logger:      logger.WithComponent("island"),
		content:     content,
		locked:      locked,
		now:         time.Now,
		lastSent:    make(map[string]*sentSnapshot),
		sessions:    make(map[sessionKey]*State),
		sessionPkg:  make(map[sessionKey]string),
		lastApplied: make(map[string]string),
		burst:       make(map[sessionKey]bool),
		outstanding: make(map[string]struct{}),
		subs:        make(map[int]chan Update),
	}
}

// BuildUpdate computes the packet for one observation of a local
// session. The first observation yields a full packet; later ones
// yield a delta of only the changed fields, or nil when nothing
// changed.
func (e *Engine) BuildUpdate(rec *Record) *wire.Packet {
	current := State{
		Title:          rec.Title,
		Text:           rec.Text,
		RichPayloadRaw: rec.RichPayloadRaw,
		Images:         rec.Images,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The feature id is fixed at first observation and reused for the
	// lifetime of the session, so full, delta, and end packets
	// correlate even as content fields change.
	prev := e.lastSent[rec.SourceKey]
	var featureID string
	var p *wire.Packet
	if prev == nil {
		featureID = identity.Compute(rec.PackageName, rec.RichPayloadRaw, rec.Title, rec.Text, rec.SourceKey)
		p = fullPacket(rec, featureID, &current)
	} else {
		featureID = prev.featureID
		p = deltaPacket(rec, featureID, &prev.state, &current)
		if p == nil {
			return nil
		}
	}

	p.Hash = contentHash(p)
	e.outstanding[p.Hash] = struct{}{}
	e.stats.Sent++
	e.lastSent[rec.SourceKey] = &sentSnapshot{
		featureID:   featureID,
		packageName: rec.PackageName,
		state:       *current.clone(),
		sentAt:      e.now(),
	}
	return p
}

// BuildEnd builds the terminator for a dismissed local session, or nil
// if the session was never announced.
func (e *Engine) BuildEnd(sourceKey string) *wire.Packet {
	e.mu.Lock()
	prev := e.lastSent[sourceKey]
	delete(e.lastSent, sourceKey)
	e.mu.Unlock()

	if prev == nil {
		return nil
	}
	return &wire.Packet{
		Type:            wire.TypeEnd,
		PackageName:     prev.packageName,
		FeatureKeyName:  wire.FeatureKeyName,
		FeatureKeyValue: prev.featureID,
		TerminateValue:  wire.TerminateValue,
	}
}

func fullPacket(rec *Record, featureID string, s *State) *wire.Packet {
	p := &wire.Packet{
		Type:            wire.TypeFull,
		PackageName:     rec.PackageName,
		AppName:         rec.AppName,
		Title:           wire.StringPtr(s.Title),
		Text:            wire.StringPtr(s.Text),
		Time:            rec.Time,
		IsLocked:        rec.IsLocked,
		FeatureKeyName:  wire.FeatureKeyName,
		FeatureKeyValue: featureID,
	}
	if s.RichPayloadRaw != "" {
		p.ParamV2Raw = wire.StringPtr(s.RichPayloadRaw)
	}
	if len(s.Images) > 0 {
		p.Pics = make(map[string]string, len(s.Images))
		for k, v := range s.Images {
			p.Pics[k] = v
		}
	}
	return p
}

// deltaPacket diffs current against prev. Only changed fields appear;
// nil means the observation is identical to the last sent snapshot.
func deltaPacket(rec *Record, featureID string, prev, current *State) *wire.Packet {
	p := &wire.Packet{
		Type:            wire.TypeDelta,
		PackageName:     rec.PackageName,
		Time:            rec.Time,
		IsLocked:        rec.IsLocked,
		FeatureKeyName:  wire.FeatureKeyName,
		FeatureKeyValue: featureID,
	}

	changed := false
	if current.Title != prev.Title {
		p.Title = wire.StringPtr(current.Title)
		changed = true
	}
	if current.Text != prev.Text {
		p.Text = wire.StringPtr(current.Text)
		changed = true
	}
	if current.RichPayloadRaw != prev.RichPayloadRaw {
		p.ParamV2Raw = wire.StringPtr(current.RichPayloadRaw)
		changed = true
	}

	for k, v := range current.Images {
		if prev.Images[k] != v {
			if p.Pics == nil {
				p.Pics = make(map[string]string)
			}
			p.Pics[k] = v
			changed = true
		}
	}
	for k := range prev.Images {
		if _, still := current.Images[k]; !still {
			p.PicsRemoved = append(p.PicsRemoved, k)
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return p
}

// contentHash digests the displayable content of a packet.
func contentHash(p *wire.Packet) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(p.PackageName)
	write(p.FeatureKeyValue)
	if p.Title != nil {
		write(*p.Title)
	}
	if p.Text != nil {
		write(*p.Text)
	}
	if p.ParamV2Raw != nil {
		write(*p.ParamV2Raw)
	}
	for _, k := range sortedKeys(p.Pics) {
		write(k)
		write(p.Pics[k])
	}
	for _, k := range p.PicsRemoved {
		write("-" + k)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterAck consumes an echoed content hash.
func (e *Engine) RegisterAck(hash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.outstanding[hash]; ok {
		delete(e.outstanding, hash)
		e.stats.Acked++
	} else {
		e.stats.Stray++
	}
}

// Stats returns a snapshot of ack counters.
func (e *Engine) Stats() AckStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Subscribe returns a channel of session state transitions and a
// cancel function. Slow subscribers drop updates rather than block the
// apply path.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	ch := make(chan Update, 64)
	e.subs[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
		e.mu.Unlock()
	}
}

// SubscribeFeature narrows the transition stream to one session. The
// same drop-on-slow policy applies.
func (e *Engine) SubscribeFeature(featureID string) (<-chan Update, func()) {
	all, cancel := e.Subscribe()
	out := make(chan Update, 16)
	go func() {
		defer close(out)
		for u := range all {
			if u.FeatureID != featureID {
				continue
			}
			select {
			case out <- u:
			default:
			}
		}
	}()
	return out, cancel
}

// publishLocked sends an update to all subscribers. Caller holds e.mu.
func (e *Engine) publishLocked(u Update) {
	for _, ch := range e.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Sessions returns a snapshot of all active remote sessions.
func (e *Engine) Sessions() map[string]map[string]*State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]map[string]*State)
	for key, s := range e.sessions {
		byFeature := out[key.peer]
		if byFeature == nil {
			byFeature = make(map[string]*State)
			out[key.peer] = byFeature
		}
		byFeature[key.featureID] = s.clone()
	}
	return out
}

// LiveRefs returns every content ref held by an active session.
func (e *Engine) LiveRefs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var refs []string
	for _, s := range e.sessions {
		for _, ref := range s.Images {
			if contentstore.IsRef(ref) {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// PruneSent drops sender snapshots with no observation within maxAge.
// A session whose source never dismisses it would otherwise pin its
// snapshot forever; a pruned session re-announces with a full packet.
func (e *Engine) PruneSent(maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	pruned := 0
	for key, snap := range e.lastSent {
		if now.Sub(snap.sentAt) > maxAge {
			delete(e.lastSent, key)
			pruned++
		}
	}
	return pruned
}

// ReleasePeer drops all receiver-side state for a removed peer.
func (e *Engine) ReleasePeer(peerUUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.sessions {
		if key.peer == peerUUID {
			delete(e.sessions, key)
			delete(e.sessionPkg, key)
			delete(e.burst, key)
		}
	}
	for k := range e.lastApplied {
		if strings.HasPrefix(k, peerUUID+"\x00") {
			delete(e.lastApplied, k)
		}
	}
}
