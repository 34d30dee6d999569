package core

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// ErrGroupExists is returned when creating a group whose name is taken.
var ErrGroupExists = errors.New("group already exists")

// Directory maps group names to member nicknames. Membership is keyed by
// nickname, not connection identity, so it survives disconnect and reconnect.
type Directory struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
	order  []string // creation order, surfaced to clients as a list
}

// NewDirectory returns an empty group directory.
func NewDirectory() *Directory {
	return &Directory{groups: make(map[string]map[string]struct{})}
}

// Create registers a new group with the given initial members. Empty and
// duplicate member names are dropped; members are not required to be online.
func (d *Directory) Create(name string, members []string) error {
	clean := lo.Uniq(lo.FilterMap(members, func(m string, _ int) (string, bool) {
		m = strings.TrimSpace(m)
		return m, m != ""
	}))

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.groups[name]; taken {
		return ErrGroupExists
	}
	set := make(map[string]struct{}, len(clean))
	for _, m := range clean {
		set[m] = struct{}{}
	}
	d.groups[name] = set
	d.order = append(d.order, name)

	slog.Info("group created", "group", name, "members", len(set), "total_groups", len(d.order))
	return nil
}

// AddMember adds nickname to an existing group. It returns ok=false if the
// group does not exist, and added=false if the nickname was already a member.
func (d *Directory) AddMember(group, nickname string) (added, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, exists := d.groups[group]
	if !exists {
		return false, false
	}
	if _, member := set[nickname]; member {
		return false, true
	}
	set[nickname] = struct{}{}

	slog.Info("group member joined", "group", group, "nickname", nickname, "members", len(set))
	return true, true
}

// IsMember reports whether nickname belongs to the named group.
func (d *Directory) IsMember(group, nickname string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.groups[group]
	if !ok {
		return false
	}
	_, ok = set[nickname]
	return ok
}

// Members returns the member nicknames of a group, or ok=false if the group
// does not exist.
func (d *Directory) Members(group string) ([]string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.groups[group]
	if !ok {
		return nil, false
	}
	return lo.Keys(set), true
}

// Names returns all group names in creation order.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// RenameMember rewrites oldName to newName in every group that lists it and
// returns how many groups were touched. Keeps membership in step with a
// presence rename instead of orphaning it.
func (d *Directory) RenameMember(oldName, newName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	touched := 0
	for group, set := range d.groups {
		if _, ok := set[oldName]; !ok {
			continue
		}
		delete(set, oldName)
		set[newName] = struct{}{}
		touched++
		slog.Debug("group member renamed", "group", group, "old", oldName, "new", newName)
	}
	return touched
}

// Reset drops every group. Used only by the administrative reset.
func (d *Directory) Reset() {
	d.mu.Lock()
	n := len(d.order)
	d.groups = make(map[string]map[string]struct{})
	d.order = nil
	d.mu.Unlock()

	slog.Info("group directory reset", "dropped_groups", n)
}
