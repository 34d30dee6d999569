package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"charla/server/internal/protocol"
)

// History is the persistence surface the router appends to and replays from.
type History interface {
	Append(ctx context.Context, msg protocol.ChatMessage) (int64, error)
	All(ctx context.Context) ([]protocol.ChatMessage, error)
	Clear(ctx context.Context) error
}

// Router orchestrates all inbound events against the presence registry,
// group directory, moderation ledger, and history store. Every event is
// processed as an indivisible unit under one mutex: no handler ever observes
// state mutated by a concurrently in-flight sibling event, and no component
// outside the router mutates the four stores.
type Router struct {
	mu         sync.Mutex
	serverName string
	presence   *Registry
	groups     *Directory
	bans       *Ledger
	history    History
	metrics    Counters
}

// NewRouter wires the four stores into a router. All state is owned by the
// caller and injected here; the router is the single mutation gateway.
func NewRouter(serverName string, presence *Registry, groups *Directory, bans *Ledger, history History) *Router {
	if serverName == "" {
		serverName = "charla"
	}
	return &Router{
		serverName: serverName,
		presence:   presence,
		groups:     groups,
		bans:       bans,
		history:    history,
	}
}

// ServerName returns the configured server display name.
func (r *Router) ServerName() string {
	return r.serverName
}

// Connect admits a new transport connection before it has identified.
func (r *Router) Connect(sendBuf int) *Session {
	return r.presence.Attach(sendBuf)
}

// Identify registers a nickname for a connection. On success the connection
// receives a welcome frame, the filtered history replay, and the group list,
// and updated presence is broadcast to everyone. A banned nickname receives a
// rejected frame and the connection is terminated; the caller sees ErrBanned
// and must do no further processing.
func (r *Router) Identify(ctx context.Context, connID, nickname string) error {
	nickname, err := protocol.ValidName(nickname)
	if err != nil {
		r.sendError(connID, err.Error())
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted, err := r.presence.Register(connID, nickname)
	if errors.Is(err, ErrBanned) {
		r.presence.SendTo(connID, protocol.Message{
			Type:  protocol.TypeRejected,
			Error: fmt.Sprintf("nickname %q is banned", nickname),
		})
		r.presence.Unregister(connID)
		return err
	}
	if err != nil {
		r.sendError(connID, err.Error())
		return err
	}
	if evicted != "" {
		r.presence.SendTo(evicted, protocol.Message{
			Type:  protocol.TypeRejected,
			Error: fmt.Sprintf("nickname %q was claimed by another connection", nickname),
		})
		r.presence.Unregister(evicted)
	}

	r.presence.SendTo(connID, protocol.Message{
		Type:     protocol.TypeWelcome,
		SelfID:   connID,
		Nickname: nickname,
		Text:     r.serverName,
	})
	r.replayHistory(ctx, connID, nickname)
	r.presence.SendTo(connID, protocol.Message{Type: protocol.TypeGroupList, Groups: r.groups.Names()})

	r.broadcastPresence()
	r.broadcastSystem(fmt.Sprintf("%s joined", nickname), connID)
	return nil
}

// replayHistory sends the persisted log to one connection, filtered to what
// that nickname is entitled to see: public traffic, private traffic it sent
// or received, and traffic of groups it belongs to.
func (r *Router) replayHistory(ctx context.Context, connID, nickname string) {
	all, err := r.history.All(ctx)
	if err != nil {
		slog.Error("history replay failed", "conn_id", connID, "err", err)
		r.sendError(connID, "history is unavailable")
		return
	}

	visible := make([]protocol.ChatMessage, 0, len(all))
	for _, m := range all {
		switch m.Scope {
		case protocol.ScopePublic:
			visible = append(visible, m)
		case protocol.ScopePrivate:
			if m.Sender == nickname || m.Target == nickname {
				visible = append(visible, m)
			}
		case protocol.ScopeGroup:
			if r.groups.IsMember(m.Target, nickname) {
				visible = append(visible, m)
			}
		}
	}
	r.presence.SendTo(connID, protocol.Message{Type: protocol.TypeHistory, History: visible})
	slog.Debug("history replayed", "conn_id", connID, "nickname", nickname, "visible", len(visible), "total", len(all))
}

// Send routes one chat message. The body has already been validated at the
// transport boundary. The message is appended to history before fan-out; a
// persistence failure is logged and delivery proceeds regardless.
func (r *Router) Send(ctx context.Context, connID, scope, target string, body protocol.Body) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.presence.Nickname(connID)
	if !ok {
		r.sendError(connID, "identify before sending")
		return ErrNotIdentified
	}
	if err := protocol.ValidScope(scope, target); err != nil {
		r.sendError(connID, err.Error())
		return err
	}

	msg := protocol.ChatMessage{
		SenderID: connID,
		Sender:   sender,
		Body:     body,
		TS:       time.Now().UnixMilli(),
		Scope:    scope,
		Target:   target,
	}

	switch scope {
	case protocol.ScopePublic:
		r.appendHistory(ctx, &msg)
		frame := protocol.Message{Type: protocol.TypeChatMessage, Chat: &msg}
		_, dropped := r.presence.Broadcast(frame, "")
		r.metrics.addDropped(dropped)

	case protocol.ScopePrivate:
		targetConn, online := r.presence.Lookup(target)
		if !online {
			r.softError(connID, fmt.Sprintf("%q is not online", target))
			return ErrNotFound
		}
		r.appendHistory(ctx, &msg)
		frame := protocol.Message{Type: protocol.TypeChatMessage, Chat: &msg}
		r.presence.SendTo(connID, frame)
		if targetConn != connID {
			r.presence.SendTo(targetConn, frame)
		}

	case protocol.ScopeGroup:
		members, exists := r.groups.Members(target)
		if !exists {
			r.softError(connID, fmt.Sprintf("group %q does not exist", target))
			return ErrNotFound
		}
		if !r.groups.IsMember(target, sender) {
			r.softError(connID, fmt.Sprintf("you are not a member of %q", target))
			return ErrNotFound
		}
		r.appendHistory(ctx, &msg)
		frame := protocol.Message{Type: protocol.TypeChatMessage, Chat: &msg}
		_, dropped := r.presence.SendToNames(members, frame, "")
		r.metrics.addDropped(dropped)
	}

	r.metrics.addRouted()
	slog.Debug("message routed", "scope", scope, "target", target, "sender", sender, "kind", body.Kind)
	return nil
}

// CreateGroup registers a group and pushes the updated group list to
// everyone. Creating a name that already exists is a no-op.
func (r *Router) CreateGroup(connID, name string, members []string) error {
	name, err := protocol.ValidName(name)
	if err != nil {
		r.sendError(connID, err.Error())
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.presence.Nickname(connID); !ok {
		r.sendError(connID, "identify before creating groups")
		return ErrNotIdentified
	}
	if err := r.groups.Create(name, members); err != nil {
		if errors.Is(err, ErrGroupExists) {
			return nil
		}
		return err
	}
	_, dropped := r.presence.Broadcast(protocol.Message{Type: protocol.TypeGroupList, Groups: r.groups.Names()}, "")
	r.metrics.addDropped(dropped)
	return nil
}

// JoinGroup adds the connection's nickname to an existing group. The new
// member receives the group's persisted backlog, and the group's online
// members get a system notice. Joining a group twice is a no-op.
func (r *Router) JoinGroup(ctx context.Context, connID, name string) error {
	name, err := protocol.ValidName(name)
	if err != nil {
		r.sendError(connID, err.Error())
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.presence.Nickname(connID)
	if !ok {
		r.sendError(connID, "identify before joining groups")
		return ErrNotIdentified
	}
	added, exists := r.groups.AddMember(name, sender)
	if !exists {
		r.softError(connID, fmt.Sprintf("group %q does not exist", name))
		return ErrNotFound
	}
	if !added {
		return nil
	}

	r.replayGroup(ctx, connID, name)
	members, _ := r.groups.Members(name)
	r.presence.SendToNames(members, protocol.Message{
		Type: protocol.TypeSystem,
		Text: fmt.Sprintf("%s joined %s", sender, name),
		TS:   time.Now().UnixMilli(),
	}, "")
	return nil
}

// replayGroup sends one group's persisted backlog to a connection. Used when
// a member joins after traffic has already accumulated.
func (r *Router) replayGroup(ctx context.Context, connID, group string) {
	all, err := r.history.All(ctx)
	if err != nil {
		slog.Error("group replay failed", "conn_id", connID, "group", group, "err", err)
		r.sendError(connID, "history is unavailable")
		return
	}
	visible := make([]protocol.ChatMessage, 0)
	for _, m := range all {
		if m.Scope == protocol.ScopeGroup && m.Target == group {
			visible = append(visible, m)
		}
	}
	r.presence.SendTo(connID, protocol.Message{Type: protocol.TypeHistory, History: visible})
}

// Typing relays a transient typing notice to the scope's recipients,
// excluding the sender. Typing traffic is never persisted; a stale target or
// group is dropped silently.
func (r *Router) Typing(connID, scope, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.presence.Nickname(connID)
	if !ok {
		return ErrNotIdentified
	}
	if err := protocol.ValidScope(scope, target); err != nil {
		return err
	}

	frame := protocol.Message{Type: protocol.TypeTyping, Nickname: sender, Scope: scope, Target: target}
	switch scope {
	case protocol.ScopePublic:
		r.presence.Broadcast(frame, connID)
	case protocol.ScopePrivate:
		if targetConn, online := r.presence.Lookup(target); online && targetConn != connID {
			r.presence.SendTo(targetConn, frame)
		}
	case protocol.ScopeGroup:
		if members, exists := r.groups.Members(target); exists && r.groups.IsMember(target, sender) {
			r.presence.SendToNames(members, frame, connID)
		}
	}
	return nil
}

// Rename re-keys the holder of oldName to newName, propagates the rename
// through every group member list, and broadcasts a system notice plus
// updated presence. Historical messages keep the old sender name.
func (r *Router) Rename(oldName, newName string) error {
	newName, err := protocol.ValidName(newName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renameLocked(oldName, newName)
}

// RenameConn renames the participant bound to connID. This is the
// client-initiated form; errors are also surfaced to the connection.
func (r *Router) RenameConn(connID, newName string) error {
	newName, err := protocol.ValidName(newName)
	if err != nil {
		r.sendError(connID, err.Error())
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	oldName, ok := r.presence.Nickname(connID)
	if !ok {
		r.sendError(connID, "identify before renaming")
		return ErrNotIdentified
	}
	if err := r.renameLocked(oldName, newName); err != nil {
		r.sendError(connID, err.Error())
		return err
	}
	return nil
}

func (r *Router) renameLocked(oldName, newName string) error {
	if _, err := r.presence.Rename(oldName, newName); err != nil {
		return fmt.Errorf("rename %q: %w", oldName, err)
	}
	touched := r.groups.RenameMember(oldName, newName)

	r.broadcastSystem(fmt.Sprintf("%s is now known as %s", oldName, newName), "")
	r.broadcastPresence()
	slog.Info("participant renamed", "old", oldName, "new", newName, "groups_rekeyed", touched)
	return nil
}

// Ban adds a nickname to the moderation ledger. If a connection currently
// holds the nickname it receives a rejected frame and is terminated, and
// updated presence is broadcast.
func (r *Router) Ban(nickname string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bans.Ban(nickname)
	connID, online := r.presence.Lookup(nickname)
	if !online {
		return
	}
	r.presence.SendTo(connID, protocol.Message{
		Type:  protocol.TypeRejected,
		Error: fmt.Sprintf("nickname %q has been banned", nickname),
	})
	r.presence.Unregister(connID)
	r.broadcastPresence()
	r.broadcastSystem(fmt.Sprintf("%s was banned", nickname), "")
}

// Disconnect removes a connection. If the connection had identified, updated
// presence is broadcast.
func (r *Router) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nickname, identified := r.presence.Unregister(connID)
	if !identified {
		return
	}
	r.broadcastPresence()
	r.broadcastSystem(fmt.Sprintf("%s left", nickname), "")
}

// Reset clears history and groups on behalf of the administrative
// collaborator, then pushes fresh group and presence state to everyone.
// The moderation ledger is deliberately left intact.
func (r *Router) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.history.Clear(ctx); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	r.groups.Reset()
	r.presence.Broadcast(protocol.Message{Type: protocol.TypeGroupList, Groups: []string{}}, "")
	r.broadcastPresence()
	slog.Info("administrative reset applied")
	return nil
}

// SendTo delivers one frame to one connection on behalf of the transport.
func (r *Router) SendTo(connID string, msg protocol.Message) bool {
	return r.presence.SendTo(connID, msg)
}

// Pong answers a client keepalive, echoing its timestamp.
func (r *Router) Pong(connID string, ts int64) {
	r.presence.SendTo(connID, protocol.Message{Type: protocol.TypePong, TS: ts})
}

// Names returns the online nicknames for diagnostics.
func (r *Router) Names() []string { return r.presence.Names() }

// Online returns how many transport connections are attached.
func (r *Router) Online() int { return r.presence.Count() }

// GroupNames returns all group names for diagnostics.
func (r *Router) GroupNames() []string { return r.groups.Names() }

// BannedCount returns the moderation ledger size for diagnostics.
func (r *Router) BannedCount() int { return len(r.bans.Banned()) }

// Stats returns the cumulative router counters.
func (r *Router) Stats() (routed, droppedSends, softErrors uint64) {
	return r.metrics.Snapshot()
}

// appendHistory persists one message, recording its assigned ID. Persistence
// failure does not prevent in-memory delivery.
func (r *Router) appendHistory(ctx context.Context, msg *protocol.ChatMessage) {
	id, err := r.history.Append(ctx, *msg)
	if err != nil {
		slog.Error("history append failed", "scope", msg.Scope, "sender", msg.Sender, "err", err)
		return
	}
	msg.ID = id
}

func (r *Router) broadcastPresence() {
	_, dropped := r.presence.Broadcast(protocol.Message{Type: protocol.TypePresence, Names: r.presence.Names()}, "")
	r.metrics.addDropped(dropped)
}

func (r *Router) broadcastSystem(text, exceptConnID string) {
	r.presence.Broadcast(protocol.Message{Type: protocol.TypeSystem, Text: text, TS: time.Now().UnixMilli()}, exceptConnID)
}

func (r *Router) sendError(connID, text string) {
	r.presence.SendTo(connID, protocol.Message{Type: protocol.TypeError, Error: text})
}

func (r *Router) softError(connID, text string) {
	r.metrics.addSoftError()
	r.sendError(connID, text)
}
