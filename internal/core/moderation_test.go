package core

import "testing"

func TestLedgerBanIsIdempotent(t *testing.T) {
	l := NewLedger()
	if l.IsBanned("eve") {
		t.Fatal("fresh ledger must be empty")
	}
	l.Ban("eve")
	l.Ban("eve")
	if !l.IsBanned("eve") {
		t.Fatal("expected eve to be banned")
	}
	if got := l.Banned(); len(got) != 1 || got[0] != "eve" {
		t.Fatalf("expected single entry, got %v", got)
	}
}

func TestLedgerBannedIsSorted(t *testing.T) {
	l := NewLedger()
	l.Ban("mallory")
	l.Ban("eve")
	got := l.Banned()
	if len(got) != 2 || got[0] != "eve" || got[1] != "mallory" {
		t.Fatalf("expected sorted snapshot, got %v", got)
	}
}
