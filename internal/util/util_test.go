// internal/util/util_test.go
package util

import "testing"

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("short", 10); got != "short" {
		t.Fatalf("expected untouched string, got %q", got)
	}
	if got := TruncateRunes("abcdefgh", 4); got != "abcd…" {
		t.Fatalf("expected truncation with ellipsis, got %q", got)
	}
	if got := TruncateRunes("héllö wörld", 5); got != "héllö…" {
		t.Fatalf("expected rune-aware truncation, got %q", got)
	}
}

func TestTruncateToWidth(t *testing.T) {
	in := "first line is quite long\nok\nanother long trailing line"
	got := TruncateToWidth(in, 10)
	want := "first line…\nok\nanother lo…"
	if got != want {
		t.Fatalf("TruncateToWidth = %q, want %q", got, want)
	}
}
