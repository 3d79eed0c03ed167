// Package pairing manages peer discovery, PIN handshakes, encrypted
// sessions, and link liveness.
//
// A peer moves through Discovered, PinIssued, Authenticated, and
// Offline. Authentication requires both devices to confirm the PIN the
// other displays within its lifetime; success yields a shared session
// key derived by X25519 key agreement, identical on both ends.
package pairing

import (
	"errors"
	"fmt"
	"time"
)

// State of a peer as seen by the manager.
type State string

const (
	StateDiscovered    State = "discovered"
	StatePinIssued     State = "pin_issued"
	StateAuthenticated State = "authenticated"
	StateOffline       State = "offline"
	StateRejected      State = "rejected"
)

// Handshake failure reason codes carried on the wire.
const (
	ReasonNone        uint8 = 0
	ReasonPinMismatch uint8 = 1
	ReasonPinExpired  uint8 = 2
	ReasonNoPin       uint8 = 3
	ReasonRejected    uint8 = 4
)

// Authentication errors.
var (
	ErrPinMismatch  = errors.New("pairing: pin mismatch")
	ErrPinExpired   = errors.New("pairing: pin expired")
	ErrNoPin        = errors.New("pairing: no pin issued for peer")
	ErrPeerRejected = errors.New("pairing: peer rejected")
	ErrPeerOffline  = errors.New("pairing: peer offline")
	ErrPeerUnknown  = errors.New("pairing: unknown peer")
)

// AuthError is a handshake failure with its wire reason code.
type AuthError struct {
	Reason uint8
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("handshake failed (reason %d): %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// reasonError maps a wire reason code back to a sentinel.
func reasonError(reason uint8) error {
	switch reason {
	case ReasonPinMismatch:
		return ErrPinMismatch
	case ReasonPinExpired:
		return ErrPinExpired
	case ReasonNoPin:
		return ErrNoPin
	case ReasonRejected:
		return ErrPeerRejected
	default:
		return errors.New("pairing: handshake failed")
	}
}

// Pin is a displayed pairing code with its validity window.
type Pin struct {
	Code      string
	PeerUUID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the pin is past its lifetime at the given
// instant.
func (p *Pin) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// PeerEventType distinguishes discovery events.
type PeerEventType string

const (
	PeerFound   PeerEventType = "found"
	PeerLost    PeerEventType = "lost"
	PeerOnline  PeerEventType = "online"
	PeerOffline PeerEventType = "offline"
)

// PeerEvent is one discovery or liveness transition.
type PeerEvent struct {
	Type        PeerEventType
	UUID        string
	DisplayName string
	Address     string
	Port        int
}

// PeerInfo is a snapshot of a peer's pairing state.
type PeerInfo struct {
	UUID           string
	DisplayName    string
	Address        string
	Port           int
	State          State
	LastSeenOnline time.Time
}
