package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/stateroom/backend/metrics"
	"github.com/adwski/stateroom/backend/model"
	"github.com/adwski/stateroom/backend/room"
	"github.com/adwski/stateroom/backend/stateroom"
	"github.com/adwski/stateroom/backend/storage/memory"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Strategy decides how room ids come into existence.
type Strategy string

const (
	// StrategyImplicit creates a room the first time its id is used.
	StrategyImplicit Strategy = "implicit"
	// StrategyExplicit requires rooms to be created before clients connect.
	// Callers may choose the id.
	StrategyExplicit Strategy = "explicit"
	// StrategyUUID is like StrategyExplicit but ids are always generated.
	StrategyUUID Strategy = "uuid"
)

var (
	ErrUnknownStrategy  = errors.New("unknown room id strategy")
	ErrRoomNotFound     = errors.New("room is not found")
	ErrRoomIDNotAllowed = errors.New("room id cannot be chosen with this strategy")
	ErrCreate           = errors.New("unable to create room")
	ErrConnect          = errors.New("unable to connect")
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyImplicit, StrategyExplicit, StrategyUUID:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

type (
	RoomStore interface {
		CreateRoom(roomID string, build memory.BuildFunc) (*room.Room, error)
		GetOrCreateRoom(roomID string, build memory.BuildFunc) (*room.Room, bool, error)
		GetRoom(roomID string) (*room.Room, error)
		DeleteRoom(r *room.Room) bool
		Rooms() []*room.Room
	}

	Config struct {
		Logger  *zerolog.Logger
		Clock   clockwork.Clock
		Metrics *metrics.Metrics
		// Factory builds every room's service.
		Factory      stateroom.Factory
		Strategy     Strategy
		IdleShutdown time.Duration
		RoomStore    RoomStore
	}

	// Manager connects transport sessions to rooms.
	Manager struct {
		logger       zerolog.Logger
		roomLogger   *zerolog.Logger
		clock        clockwork.Clock
		metrics      *metrics.Metrics
		factory      stateroom.Factory
		strategy     Strategy
		idleShutdown time.Duration
		store        RoomStore

		// sessions counts open transport sessions per room and client id.
		// Several sessions share a client id when they reconnect with the same token.
		sessMx   *sync.Mutex
		sessions map[*room.Room]map[model.ClientID]int
	}
)

func New(cfg Config) *Manager {
	m := &Manager{
		logger:       cfg.Logger.With().Str("component", "manager").Logger(),
		roomLogger:   cfg.Logger,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		factory:      cfg.Factory,
		strategy:     cfg.Strategy,
		idleShutdown: cfg.IdleShutdown,
		store:        cfg.RoomStore,
		sessMx:       &sync.Mutex{},
		sessions:     make(map[*room.Room]map[model.ClientID]int),
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.metrics == nil {
		m.metrics = metrics.Discard()
	}
	if m.store == nil {
		m.store = memory.NewMemStore()
	}
	if m.strategy == "" {
		m.strategy = StrategyImplicit
	}
	return m
}

// CreateRoom starts a room and returns its id. An empty roomID asks for a generated one.
func (m *Manager) CreateRoom(_ context.Context, roomID string) (string, error) {
	if roomID == "" {
		roomID = uuid.NewString()
	} else if m.strategy == StrategyUUID {
		return "", ErrRoomIDNotAllowed
	}
	if _, err := m.store.CreateRoom(roomID, m.buildRoom); err != nil {
		return "", errors.Join(ErrCreate, err)
	}
	m.logger.Debug().Str("roomID", roomID).Msg("room created")
	return roomID, nil
}

func (m *Manager) ConnectionInfo(ctx context.Context, roomID string) (model.ConnectionInfo, error) {
	r, err := m.store.GetRoom(roomID)
	if err != nil {
		return model.ConnectionInfo{}, errors.Join(ErrRoomNotFound, err)
	}
	info, err := r.ConnectionInfo(ctx)
	if errors.Is(err, room.ErrRoomClosed) {
		return model.ConnectionInfo{}, errors.Join(ErrRoomNotFound, err)
	}
	if err != nil {
		return model.ConnectionInfo{}, err
	}
	return info, nil
}

// OpenSession assigns a client id in the room for token and connects sender under it.
func (m *Manager) OpenSession(ctx context.Context, roomID, token string, sender model.Sender) (model.ClientID, error) {
	// A room may close between lookup and assignment when it idles out.
	// Implicit rooms are simply recreated in that case.
	for attempt := 0; ; attempt++ {
		r, err := m.lookup(roomID)
		if err != nil {
			return 0, errors.Join(ErrConnect, err)
		}
		client, err := r.AssignClientID(ctx, token)
		if errors.Is(err, room.ErrRoomClosed) && m.strategy == StrategyImplicit && attempt == 0 {
			m.store.DeleteRoom(r)
			continue
		}
		if err != nil {
			return 0, errors.Join(ErrConnect, err)
		}

		m.sessMx.Lock()
		clients, ok := m.sessions[r]
		if !ok {
			clients = make(map[model.ClientID]int)
			m.sessions[r] = clients
		}
		clients[client]++
		m.sessMx.Unlock()

		r.Send(model.Connect(client, sender))
		m.logger.Debug().
			Uint32("client", uint32(client)).
			Str("roomID", roomID).
			Msg("session connected")
		return client, nil
	}
}

// CloseSession ends one session of client. The room sees the client leave
// only when its last session under that id is closed.
func (m *Manager) CloseSession(roomID string, client model.ClientID) error {
	r, err := m.store.GetRoom(roomID)
	if err != nil {
		return errors.Join(ErrRoomNotFound, err)
	}
	remaining, ok := m.releaseSession(r, client)
	if !ok {
		m.logger.Debug().
			Uint32("client", uint32(client)).
			Str("roomID", roomID).
			Msg("room has no such session")
		return nil
	}
	if remaining > 0 {
		m.logger.Debug().
			Uint32("client", uint32(client)).
			Str("roomID", roomID).
			Int("remaining", remaining).
			Msg("session closed, client still connected")
		return nil
	}
	r.Send(model.Disconnect(client))
	m.logger.Debug().
		Uint32("client", uint32(client)).
		Str("roomID", roomID).
		Msg("session disconnected")
	return nil
}

// Forward hands a message from client to the room's service.
func (m *Manager) Forward(roomID string, client model.ClientID, payload model.MessagePayload) error {
	r, err := m.store.GetRoom(roomID)
	if err != nil {
		return errors.Join(ErrRoomNotFound, err)
	}
	r.Send(model.Message(client, payload))
	return nil
}

// Shutdown stops every room and waits for them to finish.
func (m *Manager) Shutdown() {
	rooms := m.store.Rooms()
	for _, r := range rooms {
		r.Stop()
	}
	for _, r := range rooms {
		<-r.Done()
	}
	m.logger.Info().Int("rooms", len(rooms)).Msg("all rooms stopped")
}

// releaseSession drops one session of client in r and reports how many are left.
// ok is false when r has no session for client, e.g. it was opened in a room that has since been replaced.
func (m *Manager) releaseSession(r *room.Room, client model.ClientID) (remaining int, ok bool) {
	m.sessMx.Lock()
	defer m.sessMx.Unlock()

	clients := m.sessions[r]
	n, ok := clients[client]
	if !ok {
		return 0, false
	}
	if n > 1 {
		clients[client] = n - 1
		return n - 1, true
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(m.sessions, r)
	}
	return 0, true
}

func (m *Manager) lookup(roomID string) (*room.Room, error) {
	if m.strategy != StrategyImplicit {
		r, err := m.store.GetRoom(roomID)
		if err != nil {
			return nil, errors.Join(ErrRoomNotFound, err)
		}
		return r, nil
	}
	r, created, err := m.store.GetOrCreateRoom(roomID, m.buildRoom)
	if err != nil {
		return nil, err
	}
	if created {
		m.logger.Debug().Str("roomID", roomID).Msg("room created on first access")
	}
	return r, nil
}

func (m *Manager) buildRoom(roomID string) (*room.Room, error) {
	return room.New(room.Config{
		ID:           roomID,
		Logger:       m.roomLogger,
		Clock:        m.clock,
		Metrics:      m.metrics,
		Factory:      m.factory,
		IdleShutdown: m.idleShutdown,
		OnShutdown: func(r *room.Room) {
			m.sessMx.Lock()
			delete(m.sessions, r)
			m.sessMx.Unlock()
			if m.store.DeleteRoom(r) {
				m.logger.Debug().Str("roomID", r.ID()).Msg("room removed")
			}
		},
	})
}
