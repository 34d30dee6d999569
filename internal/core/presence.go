package core

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"charla/server/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber may block.
const SendTimeout = 50 * time.Millisecond

// Registry errors.
var (
	ErrBanned        = errors.New("nickname is banned")
	ErrNameTaken     = errors.New("nickname is taken")
	ErrNotFound      = errors.New("not found")
	ErrNotIdentified = errors.New("connection has not identified")
)

// Session is the transport-facing handle for one live connection: its
// identity token and the buffered channel the write pump drains.
type Session struct {
	ConnID string
	Send   chan protocol.Message
}

type connState struct {
	id         string
	nickname   string
	identified bool
	send       chan protocol.Message
}

// Registry is the bidirectional mapping between live connections and
// nicknames, the single source of truth for who is online. A nickname is
// held by at most one connection at any instant; a later registration with
// the same nickname evicts the earlier holder.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connState
	byName map[string]string // nickname → connID
	bans   *Ledger
}

// NewRegistry returns an empty presence registry consulting bans at
// registration time.
func NewRegistry(bans *Ledger) *Registry {
	return &Registry{
		conns:  make(map[string]*connState),
		byName: make(map[string]string),
		bans:   bans,
	}
}

// Attach admits a new, not-yet-identified connection and returns its session.
// The connection identity is assigned here and never reused.
func (r *Registry) Attach(sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	c := &connState{
		id:   uuid.NewString(),
		send: make(chan protocol.Message, sendBuf),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	count := len(r.conns)
	r.mu.Unlock()

	slog.Debug("connection attached", "conn_id", c.id, "total_conns", count)
	return &Session{ConnID: c.id, Send: c.send}
}

// Register associates a nickname with an attached connection. It fails with
// ErrBanned if the nickname is in the moderation ledger. If another live
// connection already holds the nickname, that connection is evicted
// (most-recently-registered wins) and its ID is returned so the caller can
// notify and terminate it.
func (r *Registry) Register(connID, nickname string) (evictedConnID string, err error) {
	if r.bans != nil && r.bans.IsBanned(nickname) {
		slog.Info("registration rejected", "conn_id", connID, "nickname", nickname, "reason", "banned")
		return "", ErrBanned
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", ErrNotFound
	}
	if c.identified {
		return "", errors.New("connection is already identified")
	}

	if holderID, held := r.byName[nickname]; held && holderID != connID {
		if holder, ok := r.conns[holderID]; ok {
			holder.identified = false
			holder.nickname = ""
		}
		evictedConnID = holderID
		slog.Info("nickname evicted", "nickname", nickname, "old_conn", holderID, "new_conn", connID)
	}

	c.nickname = nickname
	c.identified = true
	r.byName[nickname] = connID

	slog.Info("participant registered", "conn_id", connID, "nickname", nickname, "online", len(r.byName))
	return evictedConnID, nil
}

// Unregister removes a connection and closes its send channel, which in turn
// terminates the write pump and the underlying socket. It returns the
// nickname that was freed, or ok=false if the connection never identified.
func (r *Registry) Unregister(connID string) (nickname string, ok bool) {
	r.mu.Lock()
	c, exists := r.conns[connID]
	if !exists {
		r.mu.Unlock()
		return "", false
	}
	delete(r.conns, connID)
	if c.identified && r.byName[c.nickname] == connID {
		delete(r.byName, c.nickname)
		nickname, ok = c.nickname, true
	}
	remaining := len(r.conns)
	r.mu.Unlock()

	close(c.send)
	slog.Info("connection unregistered", "conn_id", connID, "nickname", nickname, "remaining_conns", remaining)
	return nickname, ok
}

// Lookup resolves the connection currently holding a nickname.
func (r *Registry) Lookup(nickname string) (connID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok = r.byName[nickname]
	return connID, ok
}

// Nickname returns the nickname registered for a connection.
func (r *Registry) Nickname(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok || !c.identified {
		return "", false
	}
	return c.nickname, true
}

// Rename re-keys the holder of oldName to newName. Unlike Register, a rename
// never evicts: ErrNameTaken is returned if newName is already held.
func (r *Registry) Rename(oldName, newName string) (connID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.byName[oldName]
	if !ok {
		return "", ErrNotFound
	}
	if _, taken := r.byName[newName]; taken {
		return "", ErrNameTaken
	}

	c := r.conns[connID]
	delete(r.byName, oldName)
	r.byName[newName] = connID
	c.nickname = newName

	slog.Info("participant renamed", "conn_id", connID, "old", oldName, "new", newName)
	return connID, nil
}

// Names returns a sorted snapshot of all online nicknames.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of attached connections, identified or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendTo delivers one message to one connection, identified or not.
func (r *Registry) SendTo(connID string, msg protocol.Message) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return trySend(c.send, msg)
}

// Broadcast delivers a message to every identified connection except
// exceptConnID (pass "" to reach everyone). Returns sent and dropped counts.
func (r *Registry) Broadcast(msg protocol.Message, exceptConnID string) (sent, dropped int) {
	r.mu.RLock()
	targets := make([]chan protocol.Message, 0, len(r.conns))
	for id, c := range r.conns {
		if !c.identified || id == exceptConnID {
			continue
		}
		targets = append(targets, c.send)
	}
	r.mu.RUnlock()

	for _, ch := range targets {
		if trySend(ch, msg) {
			sent++
		} else {
			dropped++
		}
	}
	slog.Debug("broadcast", "type", msg.Type, "recipients", sent, "dropped", dropped)
	return sent, dropped
}

// SendToNames delivers a message to the currently connected holders of the
// given nicknames, skipping offline names and exceptConnID. Each recipient
// receives the message at most once.
func (r *Registry) SendToNames(names []string, msg protocol.Message, exceptConnID string) (sent, dropped int) {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(names))
	targets := make([]chan protocol.Message, 0, len(names))
	for _, name := range names {
		connID, online := r.byName[name]
		if !online || connID == exceptConnID {
			continue
		}
		if _, dup := seen[connID]; dup {
			continue
		}
		seen[connID] = struct{}{}
		targets = append(targets, r.conns[connID].send)
	}
	r.mu.RUnlock()

	for _, ch := range targets {
		if trySend(ch, msg) {
			sent++
		} else {
			dropped++
		}
	}
	slog.Debug("fan_out", "type", msg.Type, "requested", len(names), "recipients", sent, "dropped", dropped)
	return sent, dropped
}

func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", msg.Type)
		return false
	}
}
