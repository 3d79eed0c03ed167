package identity

import (
	"regexp"
	"testing"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute("com.example.music", `{"baseInfo":{"title":"Song","content":"Artist"}}`, "Song", "Artist", "key-1")
	for i := 0; i < 10; i++ {
		b := Compute("com.example.music", `{"baseInfo":{"title":"Song","content":"Artist"}}`, "Song", "Artist", "key-1")
		if a != b {
			t.Fatalf("call %d produced different id: %s != %s", i, a, b)
		}
	}
	if !hexRe.MatchString(a) {
		t.Errorf("id is not a sha1 hex digest: %s", a)
	}
}

func TestInstanceDisambiguatesSessions(t *testing.T) {
	a := Compute("com.example", "", "Hello", "World", "instance-1")
	b := Compute("com.example", "", "Hello", "World", "instance-2")
	if a == b {
		t.Error("identical content with different instances must differ")
	}

	// Same session, same instance: stable.
	c := Compute("com.example", "", "Hello", "World", "instance-1")
	if a != c {
		t.Error("same inputs must reuse the same id")
	}
}

func TestSenderPackageMatters(t *testing.T) {
	a := Compute("com.app.one", "", "T", "X", "")
	b := Compute("com.app.two", "", "T", "X", "")
	if a == b {
		t.Error("different senders must not collide")
	}
}

func TestTemplatePriority(t *testing.T) {
	chat := `{"chatInfo":{"title":"Alice"},"baseInfo":{"title":"ignored","content":"ignored"}}`
	base := `{"baseInfo":{"title":"Song","content":"Artist"}}`
	highlight := `{"highlightInfo":{"title":"Goal!"}}`

	// Chat title wins over volatile title/text, so per-message updates
	// in the same chat hash identically.
	a := Compute("com.chat", chat, "Alice: hi", "hi", "k")
	b := Compute("com.chat", chat, "Alice: bye", "bye", "k")
	if a != b {
		t.Error("chat template sessions must be stable across message updates")
	}

	// Base template uses title+content.
	c := Compute("com.music", base, "x", "y", "k")
	d := Compute("com.music", `{"baseInfo":{"title":"Song","content":"Other"}}`, "x", "y", "k")
	if c == d {
		t.Error("base template content change must change the id")
	}

	e := Compute("com.sport", highlight, "x", "y", "k")
	f := Compute("com.sport", highlight, "z", "w", "k")
	if e != f {
		t.Error("highlight template sessions must be stable across title/text churn")
	}
}

func TestFallbackToPlainFields(t *testing.T) {
	// Malformed payload falls back to title/text.
	a := Compute("com.example", "{not json", "Title", "Text", "")
	b := Compute("com.example", "", "Title", "Text", "")
	if a != b {
		t.Error("malformed payload should behave like no payload")
	}

	// Empty templates also fall back.
	c := Compute("com.example", `{"other":1}`, "Title", "Text", "")
	if a != c {
		t.Error("payload without known templates should fall back to plain fields")
	}
}

func TestNoConcatenationCollision(t *testing.T) {
	// Length prefixing keeps field boundaries distinct.
	a := Compute("com.example", "", "ab", "c", "")
	b := Compute("com.example", "", "a", "bc", "")
	if a == b {
		t.Error("field boundary shift must not collide")
	}
}
