package logging

import "testing"

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(empty) = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestShouldRedact(t *testing.T) {
	redacted := []string{"shared_key", "pin_code", "password", "auth_token", "private_key"}
	for _, key := range redacted {
		if !shouldRedact(key) {
			t.Errorf("expected %q to be redacted", key)
		}
	}

	clear := []string{"peer_uuid", "feature_id", "title", "package"}
	for _, key := range clear {
		if shouldRedact(key) {
			t.Errorf("did not expect %q to be redacted", key)
		}
	}
}

func TestWithComponent(t *testing.T) {
	l := New(DefaultConfig())
	child := l.WithComponent("pairing")
	if child == nil || child.Logger == nil {
		t.Fatal("WithComponent returned nil logger")
	}
}
