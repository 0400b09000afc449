package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	now := time.Now()
	a := NewAt(now)
	b := NewAt(now)
	if a >= b {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestPrefixedRoundTripsTime(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	id := Prefixed(PrefixFamily, at)
	if !strings.HasPrefix(id, "fam_") {
		t.Fatalf("unexpected id %q", id)
	}
	got, ok := Time(id)
	if !ok {
		t.Fatalf("expected parsable id %q", id)
	}
	if !got.Equal(at) {
		t.Fatalf("Time(%q)=%v, want %v", id, got, at)
	}
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
