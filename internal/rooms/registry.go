// Package rooms maps room names to the connections subscribed to them.
package rooms

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/samber/lo"
)

const shardCount = 32

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

type connShard struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
}

// Registry is a sharded room membership table. Rooms and connections are
// hashed into independent buckets so fan-out in one room does not contend
// with joins elsewhere. Locks are only held for map updates.
type Registry struct {
	rooms [shardCount]*roomShard
	conns [shardCount]*connShard
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.rooms[i] = &roomShard{rooms: make(map[string]map[string]struct{})}
		r.conns[i] = &connShard{conns: make(map[string]map[string]struct{})}
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Join subscribes connID to room. Joining twice is a no-op.
func (r *Registry) Join(connID, room string) {
	rs := r.rooms[shardOf(room)]
	rs.mu.Lock()
	members, ok := rs.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		rs.rooms[room] = members
	}
	members[connID] = struct{}{}
	rs.mu.Unlock()

	cs := r.conns[shardOf(connID)]
	cs.mu.Lock()
	joined, ok := cs.conns[connID]
	if !ok {
		joined = make(map[string]struct{})
		cs.conns[connID] = joined
	}
	joined[room] = struct{}{}
	cs.mu.Unlock()
}

// Leave unsubscribes connID from room. Leaving a room never joined is a no-op.
func (r *Registry) Leave(connID, room string) {
	r.removeMember(connID, room)

	cs := r.conns[shardOf(connID)]
	cs.mu.Lock()
	if joined, ok := cs.conns[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(cs.conns, connID)
		}
	}
	cs.mu.Unlock()
}

// LeaveAll unsubscribes connID from every room and returns the rooms it left.
func (r *Registry) LeaveAll(connID string) []string {
	cs := r.conns[shardOf(connID)]
	cs.mu.Lock()
	joined := cs.conns[connID]
	delete(cs.conns, connID)
	cs.mu.Unlock()

	left := lo.Keys(joined)
	sort.Strings(left)
	for _, room := range left {
		r.removeMember(connID, room)
	}
	return left
}

// Members returns a sorted snapshot of the connections in room.
func (r *Registry) Members(room string) []string {
	rs := r.rooms[shardOf(room)]
	rs.mu.RLock()
	ids := lo.Keys(rs.rooms[room])
	rs.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// RoomsOf returns the rooms connID is subscribed to, sorted.
func (r *Registry) RoomsOf(connID string) []string {
	cs := r.conns[shardOf(connID)]
	cs.mu.Lock()
	rooms := lo.Keys(cs.conns[connID])
	cs.mu.Unlock()

	sort.Strings(rooms)
	return rooms
}

func (r *Registry) removeMember(connID, room string) {
	rs := r.rooms[shardOf(room)]
	rs.mu.Lock()
	defer rs.mu.Unlock()

	members, ok := rs.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(rs.rooms, room)
	}
}
