// Package wire defines the peer-to-peer message framing and the JSON
// packet vocabulary of the island sync protocol.
//
// Every message on a peer link is a fixed-size header followed by a
// JSON body. Control frames (hello, ping, pong, pairing) carry plain or
// public-key-sealed bodies; data frames carry session-key-sealed sync
// packets.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Protocol constants.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x49534C44 // "ISLD"
)

// FrameType identifies the kind of frame on the link.
type FrameType uint16

const (
	FrameHello FrameType = 0x0001
	FramePing  FrameType = 0x0002
	FramePong  FrameType = 0x0003
	FramePair  FrameType = 0x0004
	FrameData  FrameType = 0x0010
)

// Frame flags.
const (
	// FlagSealed marks a body encrypted with the session key.
	FlagSealed uint8 = 0x01
	// FlagControlSealed marks a body sealed to the recipient public key.
	FlagControlSealed uint8 = 0x02
)

// HeaderSize is the size of the frame header in bytes.
const HeaderSize = 12

// MaxBodySize caps frame bodies; notification payloads with inline
// images stay well under this.
const MaxBodySize = 1 << 20

// Header is the fixed-size frame header.
type Header struct {
	Magic   uint32
	Version uint8
	Flags   uint8
	Type    FrameType
	Length  uint32
}

// Frame wraps a header and body.
type Frame struct {
	Header Header
	Body   []byte
}

// NewFrame creates a frame with the given type, flags, and body.
func NewFrame(frameType FrameType, flags uint8, body []byte) *Frame {
	return &Frame{
		Header: Header{
			Magic:   ProtocolMagic,
			Version: ProtocolVersion,
			Flags:   flags,
			Type:    frameType,
			Length:  uint32(len(body)),
		},
		Body: body,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:   binary.BigEndian.Uint32(buf[0:4]),
		Version: buf[4],
		Flags:   buf[5],
		Type:    FrameType(binary.BigEndian.Uint16(buf[6:8])),
		Length:  binary.BigEndian.Uint32(buf[8:12]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the frame to w.
func (f *Frame) Write(w io.Writer) error {
	if err := f.Header.Write(w); err != nil {
		return err
	}
	if len(f.Body) > 0 {
		_, err := w.Write(f.Body)
		return err
	}
	return nil
}

// ReadFrame reads a complete frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	f := &Frame{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxBodySize {
			return nil, fmt.Errorf("frame body too large: %d bytes", h.Length)
		}
		f.Body = make([]byte, h.Length)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// Packet type values of the sync protocol.
const (
	TypeFull  = "SI_FULL"
	TypeDelta = "SI_DELTA"
	TypeEnd   = "SI_END"
	TypeAck   = "SI_ACK"
)

// FeatureKeyName is the fixed featureKeyName value of content packets.
const FeatureKeyName = "si_feature_id"

// TerminateValue marks an end packet.
const TerminateValue = "__END__"

// Packet is one sync protocol message. Title, Text, and ParamV2Raw are
// pointers so a delta can distinguish "unchanged" (absent) from "set to
// empty".
type Packet struct {
	Type        string  `json:"type"`
	PackageName string  `json:"packageName,omitempty"`
	AppName     string  `json:"appName,omitempty"`
	Title       *string `json:"title,omitempty"`
	Text        *string `json:"text,omitempty"`
	Time        int64   `json:"time,omitempty"`
	IsLocked    bool    `json:"isLocked,omitempty"`

	FeatureKeyName  string `json:"featureKeyName,omitempty"`
	FeatureKeyValue string `json:"featureKeyValue,omitempty"`

	ParamV2Raw  *string           `json:"param_v2_raw,omitempty"`
	Pics        map[string]string `json:"pics,omitempty"`
	PicsRemoved []string          `json:"pics_removed,omitempty"`

	TerminateValue string `json:"terminateValue,omitempty"`
	Hash           string `json:"hash,omitempty"`
}

// IsContent reports whether the packet carries session content.
func (p *Packet) IsContent() bool {
	return p.Type == TypeFull || p.Type == TypeDelta
}

// Encode serializes a packet to JSON.
func Encode(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}

// Decode deserializes a packet from JSON.
func Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Control message bodies.

// Hello introduces a device on a fresh connection.
type Hello struct {
	UUID        string `json:"uuid"`
	DisplayName string `json:"displayName"`
	PublicKey   []byte `json:"publicKey"`
	Version     int    `json:"version"`
}

// Pair carries one side of the PIN handshake. Pin is always the
// sending user's input of the other device's displayed PIN: the
// request carries the code the responder displayed, and an accepting
// reply carries the code the initiator displayed, so each side
// validates the other.
type Pair struct {
	UUID      string `json:"uuid"`
	Pin       string `json:"pin,omitempty"`
	PublicKey []byte `json:"publicKey"`
	Reply     bool   `json:"reply,omitempty"`
	Accept    bool   `json:"accept"`
	Reason    uint8  `json:"reason,omitempty"`
}

// String pointer helper used when building packets.
func StringPtr(s string) *string { return &s }
