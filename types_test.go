package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestHashID_NewHashID(t *testing.T) {
	t.Run("creates HashID from exactly 20 bytes", func(t *testing.T) {
		data := []byte("12345678901234567890")
		h := NewHashID(data)

		if !bytes.Equal(h[:], data) {
			t.Errorf("expected %v, got %v", data, h[:])
		}
	})

	t.Run("creates HashID from more than 20 bytes (uses first 20)", func(t *testing.T) {
		h := NewHashID([]byte("12345678901234567890extra"))

		expected := []byte("12345678901234567890")
		if !bytes.Equal(h[:], expected) {
			t.Errorf("expected %v, got %v", expected, h[:])
		}
	})

	t.Run("pads shorter input with zeros", func(t *testing.T) {
		h := NewHashID([]byte{0xAB})

		if h[0] != 0xAB {
			t.Errorf("byte 0: expected 0xab, got 0x%02x", h[0])
		}
		for i := 1; i < 20; i++ {
			if h[i] != 0 {
				t.Errorf("byte %d: expected 0x00, got 0x%02x", i, h[i])
			}
		}
	})
}

func TestParseHashID(t *testing.T) {
	const hexHash = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0"

	t.Run("raw 20 bytes", func(t *testing.T) {
		raw := "\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f\x10\x11\x12\x13\x14"
		h, err := ParseHashID(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(h[:]) != raw {
			t.Errorf("expected raw bytes preserved, got %x", h[:])
		}
	})

	t.Run("40 hex chars", func(t *testing.T) {
		h, err := ParseHashID(hexHash)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.String() != hexHash {
			t.Errorf("expected %s, got %s", hexHash, h.String())
		}
	})

	t.Run("uppercase hex is accepted and normalized", func(t *testing.T) {
		h, err := ParseHashID(strings.ToUpper(hexHash))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.String() != hexHash {
			t.Errorf("expected lowercase %s, got %s", hexHash, h.String())
		}
	})

	for _, bad := range []string{"", "short", strings.Repeat("z", 40), hexHash + "00"} {
		if _, err := ParseHashID(bad); err == nil {
			t.Errorf("ParseHashID(%q): expected error", bad)
		}
	}
}

func TestDecodeHexPeerID(t *testing.T) {
	id, err := decodeHexPeerID("2d5452333030302d414243")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(id) != "-TR3000-ABC" {
		t.Errorf("expected -TR3000-ABC, got %q", string(id))
	}
	if id.String() != "2d5452333030302d414243" {
		t.Errorf("String() = %s", id.String())
	}

	if _, err := decodeHexPeerID(""); err == nil {
		t.Error("expected error for empty peer_id")
	}
	if _, err := decodeHexPeerID(strings.Repeat("ab", 21)); err == nil {
		t.Error("expected error for 21-byte peer_id")
	}
	if _, err := decodeHexPeerID("xyz"); err == nil {
		t.Error("expected error for non-hex peer_id")
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		in   string
		want Event
	}{
		{"", eventNone},
		{"empty", eventNone},
		{"none", eventNone},
		{"started", eventStarted},
		{"STOPPED", eventStopped},
		{"completed", eventCompleted},
	}
	for _, tt := range tests {
		got, err := parseEvent(tt.in)
		if err != nil {
			t.Errorf("parseEvent(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseEvent(%q) = %v, want %v", tt.in, got, tt.want)
		}
		// String form must parse back to the same event for persistence
		if back, err := parseEvent(got.String()); err != nil || back != got {
			t.Errorf("round trip of %v failed: %v %v", got, back, err)
		}
	}

	if _, err := parseEvent("paused"); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestTorrentInfo_Merge(t *testing.T) {
	base := TorrentInfo{Name: "debian.iso", Size: 1000, Comment: "first"}
	got := base.merge(TorrentInfo{Size: 2000, CreatedBy: "mktorrent"})

	want := TorrentInfo{Name: "debian.iso", Size: 2000, Comment: "first", CreatedBy: "mktorrent"}
	if got != want {
		t.Errorf("merge = %+v, want %+v", got, want)
	}
}

func TestPeer_IsSeeder(t *testing.T) {
	if p := (Peer{Left: 0}); !p.isSeeder() {
		t.Error("left=0 should be a seeder")
	}
	if p := (Peer{Left: 1}); p.isSeeder() {
		t.Error("left=1 should be a leecher")
	}
}
