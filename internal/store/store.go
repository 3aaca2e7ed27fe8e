// Package store holds the server's room directory and position store.
package store

import (
	"sort"
	"sync"

	"github.com/mossy-p/proximity-chat/internal/models"
)

// Spawn point for newly joined participants.
const (
	SpawnX = 400
	SpawnY = 100
)

// Store maps rooms to their members and participants to positions. Members
// keep join order, which is also the order of snapshots.
type Store struct {
	mu        sync.RWMutex
	rooms     map[string][]string
	positions map[string]models.Position
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rooms:     make(map[string][]string),
		positions: make(map[string]models.Position),
	}
}

// Join registers participant in room at the spawn point and returns the
// members that were already there. A participant already in another room is
// moved out of it first.
func (s *Store) Join(participant, room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.positions[participant]; ok {
		s.rooms[prev.Room] = without(s.rooms[prev.Room], participant)
	}

	others := make([]string, 0, len(s.rooms[room]))
	for _, id := range s.rooms[room] {
		if id != participant {
			others = append(others, id)
		}
	}

	s.rooms[room] = append(others[:len(others):len(others)], participant)
	s.positions[participant] = models.Position{ID: participant, Room: room, X: SpawnX, Y: SpawnY}
	return others
}

// UpdatePosition stores new coordinates and returns the snapshot of the
// participant's room. Unknown participants are ignored.
func (s *Store) UpdatePosition(participant string, x, y float64) (models.PositionBroadcast, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[participant]
	if !ok {
		return models.PositionBroadcast{}, false
	}
	pos.X, pos.Y = x, y
	s.positions[participant] = pos

	return models.PositionBroadcast{All: s.snapshotLocked(pos.Room), Mover: pos}, true
}

// Leave removes participant from its room and the position store. It reports
// the room it was in. Calling it for an unknown participant is a no-op.
func (s *Store) Leave(participant string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[participant]
	if !ok {
		return "", false
	}
	s.rooms[pos.Room] = without(s.rooms[pos.Room], participant)
	delete(s.positions, participant)
	return pos.Room, true
}

// RoomOf returns the room participant is in.
func (s *Store) RoomOf(participant string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[participant]
	return pos.Room, ok
}

// Members returns a copy of room's member ids in join order.
func (s *Store) Members(room string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.rooms[room]...)
}

// Snapshot returns the positions of everybody in room.
func (s *Store) Snapshot(room string) []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(room)
}

// HasRoom reports whether room was ever joined.
func (s *Store) HasRoom(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// Rooms lists room ids that have ever been joined, sorted. Empty rooms stay.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) snapshotLocked(room string) []models.Position {
	members := s.rooms[room]
	out := make([]models.Position, 0, len(members))
	for _, id := range members {
		if pos, ok := s.positions[id]; ok {
			out = append(out, pos)
		}
	}
	return out
}

// without returns a fresh slice of ids minus id.
func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
