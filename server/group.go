package server

import (
	"sort"
	"sync"

	ilog "github.com/parley-im/parley/log"
)

// Directory owns group membership. Groups come into existence on first
// create/join (the two are the same operation) and membership is append-only;
// there is no leave. Groups live for the whole server process regardless of
// whether members are online.
type Directory struct {
	lock   sync.RWMutex
	groups map[string]map[string]struct{}
	log    *ilog.Logger
}

func NewDirectory() *Directory {
	logger := ilog.NewLogger()
	logger.Fields["entity"] = "group-directory"
	return &Directory{
		groups: make(map[string]map[string]struct{}),
		log:    logger,
	}
}

// CreateOrJoin adds the username to the group, creating the group if absent.
// Idempotent, always succeeds.
func (d *Directory) CreateOrJoin(group, username string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	members, ok := d.groups[group]
	if !ok {
		members = make(map[string]struct{})
		d.groups[group] = members
		d.log.Infof1("group created: %v", group)
	}
	members[username] = struct{}{}
}

// AddMember adds newMember on behalf of requester. Only existing members may
// add; otherwise ErrNotAuthorized and the membership set is unchanged.
// Returns the updated membership on success.
func (d *Directory) AddMember(group, requester, newMember string) ([]string, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	members, ok := d.groups[group]
	if !ok {
		return nil, ErrNotAuthorized
	}
	if _, ok = members[requester]; !ok {
		return nil, ErrNotAuthorized
	}
	members[newMember] = struct{}{}
	d.log.Infof1("user %v added to group %v by %v", newMember, group, requester)
	return sortedKeys(members), nil
}

// Members returns the membership of the group, empty for unknown groups.
func (d *Directory) Members(group string) []string {
	d.lock.RLock()
	defer d.lock.RUnlock()
	members, ok := d.groups[group]
	if !ok {
		return []string{}
	}
	return sortedKeys(members)
}

// Snapshot returns every group with its members in sorted order.
func (d *Directory) Snapshot() map[string][]string {
	d.lock.RLock()
	defer d.lock.RUnlock()
	snapshot := make(map[string][]string, len(d.groups))
	for name, members := range d.groups {
		snapshot[name] = sortedKeys(members)
	}
	return snapshot
}

func (d *Directory) Count() int {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.groups)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
