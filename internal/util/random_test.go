package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"outbox ID format", "outbox_", 32, 39},
		{"custom prefix", "test_", 16, 21},
		{"no hex", "x_", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() hex part of %v is not valid hex", got)
			}
		})
	}
}

func TestGenerateRandomHex(t *testing.T) {
	for _, n := range []int{-1, 0, 8, 64} {
		got := GenerateRandomHex(n)
		want := n
		if want < 0 {
			want = 0
		}
		if len(got) != want {
			t.Errorf("GenerateRandomHex(%d) length = %d", n, len(got))
		}
		if !isValidHex(got) {
			t.Errorf("GenerateRandomHex(%d) = %v is not valid hex", n, got)
		}
	}
}

func TestGenerateSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateSessionID()
		if !strings.HasPrefix(id, "s_") || len(id) != 34 {
			t.Fatalf("GenerateSessionID() = %v, want s_ + 32 hex", id)
		}
		if !isValidHex(id[2:]) {
			t.Fatalf("GenerateSessionID() = %v is not hex", id)
		}
		if seen[id] {
			t.Fatalf("GenerateSessionID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func TestPickDifferent(t *testing.T) {
	pool := []string{"a", "b", "c"}
	for i := 0; i < 200; i++ {
		if got := PickDifferent(pool, "a"); got == "a" {
			t.Fatalf("PickDifferent returned the previous value")
		}
	}
	if got := PickDifferent([]string{"only"}, "only"); got != "only" {
		t.Errorf("single-element pool should return its element, got %q", got)
	}
	if got := PickDifferent(nil, "x"); got != "" {
		t.Errorf("empty pool should return empty string, got %q", got)
	}
	if got := PickDifferent([]string{"same", "same"}, "same"); got != "same" {
		t.Errorf("pool without alternatives should still return a value, got %q", got)
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)

	for i := 0; i < iterations; i++ {
		id := GenerateRandomID("test_", 16)
		if seen[id] {
			t.Errorf("GenerateRandomID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

// Helper function to validate hex strings
func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
