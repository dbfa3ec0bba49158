package memory

import (
	"errors"
	"sync"

	"github.com/adwski/stateroom/backend/room"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room is not found")
)

// BuildFunc starts a room with the given id.
type BuildFunc func(roomID string) (*room.Room, error)

// entry is a directory slot. It is reserved before the room is built
// and ready is closed once room or err is set.
type entry struct {
	room  *room.Room
	err   error
	ready chan struct{}
}

// MemStore is the directory of live rooms.
// Rooms are built outside the lock, so a slow build only holds up callers asking for the same id.
type MemStore struct {
	mx *sync.Mutex
	db map[string]*entry
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*entry),
	}
}

// CreateRoom builds and registers a room under a new id.
// An id that is still being built counts as taken.
func (ms *MemStore) CreateRoom(roomID string, build BuildFunc) (*room.Room, error) {
	ms.mx.Lock()
	if _, ok := ms.db[roomID]; ok {
		ms.mx.Unlock()
		return nil, ErrRoomExists
	}
	e := ms.reserve(roomID)
	ms.mx.Unlock()

	return ms.build(roomID, e, build)
}

// GetOrCreateRoom returns the room registered under roomID, building it first if needed.
// Concurrent callers for an id under construction wait for that build and share its result.
func (ms *MemStore) GetOrCreateRoom(roomID string, build BuildFunc) (*room.Room, bool, error) {
	ms.mx.Lock()
	if e, ok := ms.db[roomID]; ok {
		ms.mx.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, false, e.err
		}
		return e.room, false, nil
	}
	e := ms.reserve(roomID)
	ms.mx.Unlock()

	r, err := ms.build(roomID, e, build)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (ms *MemStore) GetRoom(roomID string) (*room.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	e, ok := ms.db[roomID]
	if !ok || e.room == nil {
		return nil, ErrRoomNotFound
	}
	return e.room, nil
}

// DeleteRoom unregisters r. A newer room registered under the same id is left alone.
func (ms *MemStore) DeleteRoom(r *room.Room) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if e, ok := ms.db[r.ID()]; ok && e.room == r {
		delete(ms.db, r.ID())
		return true
	}
	return false
}

// Rooms returns a snapshot of every registered room.
func (ms *MemStore) Rooms() []*room.Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	out := make([]*room.Room, 0, len(ms.db))
	for _, e := range ms.db {
		if e.room != nil {
			out = append(out, e.room)
		}
	}
	return out
}

// reserve must be called with mx held.
func (ms *MemStore) reserve(roomID string) *entry {
	e := &entry{ready: make(chan struct{})}
	ms.db[roomID] = e
	return e
}

func (ms *MemStore) build(roomID string, e *entry, build BuildFunc) (*room.Room, error) {
	r, err := build(roomID)

	ms.mx.Lock()
	if err != nil {
		e.err = err
		delete(ms.db, roomID)
	} else {
		e.room = r
	}
	ms.mx.Unlock()
	close(e.ready)

	return r, err
}
