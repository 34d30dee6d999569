package core

import (
	"errors"
	"testing"
	"time"

	"charla/server/internal/protocol"
)

func TestRegistryRegisterUnregisterLifecycle(t *testing.T) {
	r := NewRegistry(NewLedger())

	alice := r.Attach(8)
	if len(r.Names()) != 0 {
		t.Fatal("attached but unidentified connections must not appear in presence")
	}

	if _, err := r.Register(alice.ConnID, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("expected [alice], got %v", names)
	}

	connID, ok := r.Lookup("alice")
	if !ok || connID != alice.ConnID {
		t.Fatalf("lookup alice: ok=%v conn=%q", ok, connID)
	}
	name, ok := r.Nickname(alice.ConnID)
	if !ok || name != "alice" {
		t.Fatalf("nickname lookup: ok=%v name=%q", ok, name)
	}

	freed, ok := r.Unregister(alice.ConnID)
	if !ok || freed != "alice" {
		t.Fatalf("expected freed=alice, got ok=%v freed=%q", ok, freed)
	}
	if len(r.Names()) != 0 {
		t.Fatalf("presence leaked after unregister: %v", r.Names())
	}
	if _, ok := <-alice.Send; ok {
		t.Fatal("expected send channel to be closed")
	}
}

func TestRegistryNoPhantomEntries(t *testing.T) {
	r := NewRegistry(NewLedger())

	// Arbitrary register/unregister sequence: Names() must always equal the
	// set of names with a live identified connection.
	a := r.Attach(4)
	b := r.Attach(4)
	c := r.Attach(4)
	if _, err := r.Register(a.ConnID, "a"); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if _, err := r.Register(b.ConnID, "b"); err != nil {
		t.Fatalf("register b: %v", err)
	}
	r.Unregister(a.ConnID)
	if _, err := r.Register(c.ConnID, "c"); err != nil {
		t.Fatalf("register c: %v", err)
	}
	r.Unregister(c.ConnID)

	names := r.Names()
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("expected exactly [b], got %v", names)
	}
	// Anonymous disconnect frees nothing.
	d := r.Attach(4)
	if freed, ok := r.Unregister(d.ConnID); ok || freed != "" {
		t.Fatalf("anonymous unregister must free no name, got %q", freed)
	}
}

func TestRegistryRejectsBannedNickname(t *testing.T) {
	bans := NewLedger()
	bans.Ban("eve")
	r := NewRegistry(bans)

	s := r.Attach(4)
	_, err := r.Register(s.ConnID, "eve")
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
	if len(r.Names()) != 0 {
		t.Fatal("no presence entry may be created for a banned nickname")
	}
}

func TestRegistryEvictionMostRecentWins(t *testing.T) {
	r := NewRegistry(NewLedger())

	first := r.Attach(4)
	if _, err := r.Register(first.ConnID, "alice"); err != nil {
		t.Fatalf("register first: %v", err)
	}
	second := r.Attach(4)
	evicted, err := r.Register(second.ConnID, "alice")
	if err != nil {
		t.Fatalf("register second: %v", err)
	}
	if evicted != first.ConnID {
		t.Fatalf("expected first connection evicted, got %q", evicted)
	}

	// The name now resolves to the most recent connection.
	connID, ok := r.Lookup("alice")
	if !ok || connID != second.ConnID {
		t.Fatalf("lookup after eviction: ok=%v conn=%q", ok, connID)
	}
	// Dropping the evicted connection must not free the re-bound name.
	r.Unregister(first.ConnID)
	if _, ok := r.Lookup("alice"); !ok {
		t.Fatal("name must survive eviction cleanup")
	}
	if names := r.Names(); len(names) != 1 {
		t.Fatalf("expected one alice, got %v", names)
	}
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry(NewLedger())
	alice := r.Attach(4)
	bob := r.Attach(4)
	if _, err := r.Register(alice.ConnID, "alice"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := r.Register(bob.ConnID, "bob"); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	if _, err := r.Rename("nobody", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Rename("alice", "bob"); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}

	connID, err := r.Rename("alice", "alicia")
	if err != nil || connID != alice.ConnID {
		t.Fatalf("rename: conn=%q err=%v", connID, err)
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("old name must be freed")
	}
	if got, ok := r.Lookup("alicia"); !ok || got != alice.ConnID {
		t.Fatalf("new name must resolve: ok=%v conn=%q", ok, got)
	}
}

func TestRegistrySendToNamesSkipsOfflineAndDedupes(t *testing.T) {
	r := NewRegistry(NewLedger())
	alice := r.Attach(4)
	carol := r.Attach(4)
	if _, err := r.Register(alice.ConnID, "alice"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := r.Register(carol.ConnID, "carol"); err != nil {
		t.Fatalf("register carol: %v", err)
	}

	sent, dropped := r.SendToNames([]string{"alice", "alice", "carol", "offline"}, protocol.Message{Type: "test"}, "")
	if sent != 2 || dropped != 0 {
		t.Fatalf("expected sent=2 dropped=0, got sent=%d dropped=%d", sent, dropped)
	}
	assertRecvType(t, alice.Send, "test")
	assertNoRecv(t, alice.Send)
	assertRecvType(t, carol.Send, "test")
}

func TestRegistryBroadcastSkipsAnonymousAndExcept(t *testing.T) {
	r := NewRegistry(NewLedger())
	alice := r.Attach(4)
	bob := r.Attach(4)
	anon := r.Attach(4)
	if _, err := r.Register(alice.ConnID, "alice"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := r.Register(bob.ConnID, "bob"); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	sent, _ := r.Broadcast(protocol.Message{Type: "test"}, alice.ConnID)
	if sent != 1 {
		t.Fatalf("expected 1 recipient, got %d", sent)
	}
	assertRecvType(t, bob.Send, "test")
	assertNoRecv(t, alice.Send)
	assertNoRecv(t, anon.Send)
}

func assertRecvType(t *testing.T, ch <-chan protocol.Message, typ string) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		if msg.Type != typ {
			t.Fatalf("expected message type %q, got %q", typ, msg.Type)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message %q", typ)
	}
	return protocol.Message{}
}

func assertNoRecv(t *testing.T, ch <-chan protocol.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("expected no message, got %#v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
