package id

import (
	"encoding/base32"
	"strings"
	"testing"
)

func decode(t *testing.T, value string) []byte {
	t.Helper()
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(value))
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	if len(decoded) != 16 {
		t.Fatalf("expected 16 decoded bytes, got %d", len(decoded))
	}
	return decoded
}

func TestNewIDFormat(t *testing.T) {
	value, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(value) != 26 {
		t.Fatalf("expected 26-character id, got %d", len(value))
	}
	if strings.Contains(value, "=") {
		t.Fatal("expected no padding")
	}
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			t.Fatalf("unexpected character %q in id", r)
		}
	}
	decode(t, value)
}

func TestNewIDSetsUUIDVersionAndVariant(t *testing.T) {
	decoded := decode(t, mustNewID(t))

	if version := decoded[6] >> 4; version != 4 {
		t.Fatalf("expected version 4, got %d", version)
	}
	if variant := decoded[8] & 0xC0; variant != 0x80 {
		t.Fatalf("expected variant 0x80, got 0x%X", variant)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		value := mustNewID(t)
		if _, ok := seen[value]; ok {
			t.Fatalf("duplicate id %q", value)
		}
		seen[value] = struct{}{}
	}
}

func mustNewID(t *testing.T) string {
	t.Helper()
	value, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	return value
}
