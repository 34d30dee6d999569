package core

import (
	"log/slog"
	"sort"
	"sync"
)

// Ledger is the set of banned nicknames. Bans are permanent for the process
// lifetime; the administrative reset does not clear them.
type Ledger struct {
	mu     sync.RWMutex
	banned map[string]struct{}
}

// NewLedger returns an empty moderation ledger.
func NewLedger() *Ledger {
	return &Ledger{banned: make(map[string]struct{})}
}

// Ban marks a nickname as banned. Idempotent.
func (l *Ledger) Ban(nickname string) {
	l.mu.Lock()
	_, existed := l.banned[nickname]
	l.banned[nickname] = struct{}{}
	l.mu.Unlock()

	if !existed {
		slog.Info("nickname banned", "nickname", nickname)
	}
}

// IsBanned reports whether a nickname is banned.
func (l *Ledger) IsBanned(nickname string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.banned[nickname]
	return ok
}

// Banned returns a sorted snapshot of all banned nicknames.
func (l *Ledger) Banned() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.banned))
	for name := range l.banned {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
