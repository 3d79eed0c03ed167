// Package identity derives stable feature ids for island sessions.
//
// A feature id correlates the full, delta, and end packets of one live
// notification session. It is derived from the sender package and the
// most semantically stable fields of the rich payload, so re-renders of
// the same session hash identically while a new session (new instance
// key) gets a fresh id even for byte-identical content. SHA-1 is used
// because only cross-session uniqueness matters, not collision
// resistance against an adversary.
package identity

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
)

// richPayload mirrors the template substructures of a raw island
// payload. Unknown fields are ignored.
type richPayload struct {
	ChatInfo *struct {
		Title string `json:"title"`
	} `json:"chatInfo"`
	BaseInfo *struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"baseInfo"`
	HighlightInfo *struct {
		Title string `json:"title"`
	} `json:"highlightInfo"`
}

// Compute derives the feature id for one observation of a session.
// instance disambiguates concurrent sessions with identical content;
// packets of the same live session must pass the same instance value.
// The function is pure: identical inputs always produce the same id.
func Compute(senderPackage, richPayloadRaw, title, text, instance string) string {
	fields := extract(richPayloadRaw, title, text)

	h := sha1.New()
	writeField(h, senderPackage)
	for _, f := range fields {
		writeField(h, f)
	}
	if instance != "" {
		writeField(h, instance)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// extract picks the most stable content fields available, in priority
// order: chat template title, base template title+content, highlight
// template title, then the plain title/text fallback.
func extract(raw, title, text string) []string {
	if raw != "" {
		var p richPayload
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			switch {
			case p.ChatInfo != nil && p.ChatInfo.Title != "":
				return []string{"chat", p.ChatInfo.Title}
			case p.BaseInfo != nil && (p.BaseInfo.Title != "" || p.BaseInfo.Content != ""):
				return []string{"base", p.BaseInfo.Title, p.BaseInfo.Content}
			case p.HighlightInfo != nil && p.HighlightInfo.Title != "":
				return []string{"highlight", p.HighlightInfo.Title}
			}
		}
	}
	return []string{"plain", title, text}
}

// writeField writes a length-prefixed field so that adjacent fields
// cannot collide by concatenation.
func writeField(h interface{ Write([]byte) (int, error) }, field string) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(field)))
	h.Write(length[:])
	h.Write([]byte(field))
}
