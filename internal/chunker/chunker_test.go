package chunker

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"groundchat/pkg/domain"
)

func collect(t *testing.T, text string, size, overlap int) []string {
	t.Helper()
	seq, err := Split(text, size, overlap)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return slices.Collect(seq)
}

func TestSplitOverlapLaw(t *testing.T) {
	text := strings.Repeat("abcdefghij", 130) // 1300 runes
	chunks := collect(t, text, 512, 20)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks) != Count(utf8.RuneCountInString(text), 512, 20) {
		t.Fatalf("count mismatch")
	}
	for i, c := range chunks[:len(chunks)-1] {
		if n := utf8.RuneCountInString(c); n != 512 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
		next := []rune(chunks[i+1])
		cur := []rune(c)
		if string(cur[len(cur)-20:]) != string(next[:20]) {
			t.Fatalf("chunk %d does not overlap its neighbour by 20 runes", i)
		}
	}
	if n := utf8.RuneCountInString(chunks[2]); n != 1300-2*492 {
		t.Fatalf("unexpected final chunk length %d", n)
	}
}

func TestSplitCountsRunesNotBytes(t *testing.T) {
	text := strings.Repeat("日本語", 4) // 12 runes, 36 bytes
	chunks := collect(t, text, 5, 1)
	if len(chunks) != Count(12, 5, 1) {
		t.Fatalf("expected %d chunks, got %d", Count(12, 5, 1), len(chunks))
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) || utf8.RuneCountInString(c) > 5 {
			t.Fatalf("bad chunk %q", c)
		}
	}
}

func TestSplitShortAndEmpty(t *testing.T) {
	if got := collect(t, "", 512, 20); len(got) != 0 {
		t.Fatalf("expected no chunks for empty text, got %d", len(got))
	}
	got := collect(t, "short text", 512, 20)
	if len(got) != 1 || got[0] != "short text" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestSplitIsRestartable(t *testing.T) {
	seq, err := Split(strings.Repeat("x", 50), 10, 3)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if !slices.Equal(first, second) {
		t.Fatal("expected identical chunks on second iteration")
	}
}

func TestSplitEarlyStop(t *testing.T) {
	seq, _ := Split(strings.Repeat("x", 100), 10, 0)
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("expected to stop after 2 chunks, got %d", n)
	}
}

func TestSplitInvalidConfiguration(t *testing.T) {
	cases := []struct{ size, overlap int }{{0, 0}, {-1, 0}, {10, 10}, {10, 11}, {10, -1}}
	for _, tc := range cases {
		if _, err := Split("text", tc.size, tc.overlap); !errors.Is(err, domain.ErrInvalidConfiguration) {
			t.Fatalf("size=%d overlap=%d: expected ErrInvalidConfiguration, got %v", tc.size, tc.overlap, err)
		}
	}
}

func TestCount(t *testing.T) {
	cases := []struct{ n, size, overlap, want int }{
		{0, 512, 20, 0},
		{1, 512, 20, 1},
		{512, 512, 20, 1},
		{513, 512, 20, 2},
		{1004, 512, 20, 2},
		{1005, 512, 20, 3},
	}
	for _, tc := range cases {
		if got := Count(tc.n, tc.size, tc.overlap); got != tc.want {
			t.Fatalf("Count(%d,%d,%d) = %d, want %d", tc.n, tc.size, tc.overlap, got, tc.want)
		}
	}
}
