package kutil

import "testing"

func TestMinMax(t *testing.T) {
	if Min(3, 7) != 3 || Min(7, 3) != 3 {
		t.Fatal("Min incorrect")
	}
	if Max(3, 7) != 7 || Max(7, 3) != 7 {
		t.Fatal("Max incorrect")
	}
}

func TestRounddownRoundup(t *testing.T) {
	if got := Rounddown(13, 4); got != 12 {
		t.Fatalf("Rounddown(13,4) = %d, want 12", got)
	}
	if got := Roundup(13, 4); got != 16 {
		t.Fatalf("Roundup(13,4) = %d, want 16", got)
	}
	if got := Roundup(16, 4); got != 16 {
		t.Fatalf("Roundup(16,4) = %d, want 16 (already aligned)", got)
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 16)
	Writen(buf, 4, 4, 0x1234)
	if got := Readn(buf, 4, 4); got != 0x1234 {
		t.Fatalf("Readn after Writen = %#x, want 0x1234", got)
	}
	Writen(buf, 1, 0, 0x7f)
	if got := Readn(buf, 1, 0); got != 0x7f {
		t.Fatalf("Readn after Writen(1 byte) = %#x, want 0x7f", got)
	}
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Readn to panic out of bounds")
		}
	}()
	buf := make([]uint8, 4)
	Readn(buf, 8, 0)
}

func TestWritenUnsupportedWidthPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Writen to panic on unsupported width")
		}
	}()
	buf := make([]uint8, 8)
	Writen(buf, 3, 0, 1)
}
