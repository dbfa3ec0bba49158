package room

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/stateroom/backend/mailbox"
	"github.com/adwski/stateroom/backend/metrics"
	"github.com/adwski/stateroom/backend/model"
	"github.com/adwski/stateroom/backend/serviceactor"
	"github.com/adwski/stateroom/backend/stateroom"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var ErrRoomClosed = errors.New("room is closed")

type (
	// TokenStore remembers which client id a reconnection token was given.
	TokenStore interface {
		Lookup(token string) (model.ClientID, bool)
		Store(token string, client model.ClientID)
	}

	Config struct {
		ID      string
		Logger  *zerolog.Logger
		Clock   clockwork.Clock
		Metrics *metrics.Metrics
		// Factory builds the room's service. A room without one drops client events.
		Factory stateroom.Factory
		// IdleShutdown is how long the room may stay without connections. Zero means forever.
		IdleShutdown time.Duration
		// TokenStore defaults to a map that keeps every token for the room's lifetime.
		TokenStore TokenStore
		// OnShutdown runs on the room goroutine once the room has stopped.
		OnShutdown func(r *Room)
	}

	service interface {
		Send(msg model.MessageFromClient)
		Stop()
		Done() <-chan struct{}
	}

	// Room owns the connections of one room and routes messages between them and
	// the room's service. All room state is touched only by the room goroutine.
	Room struct {
		id      string
		logger  zerolog.Logger
		clock   clockwork.Clock
		metrics *metrics.Metrics
		inbox   *mailbox.Mailbox[func()]

		service     service
		connections map[model.ClientID]model.Sender
		nextID      model.ClientID
		tokens      TokenStore

		idleShutdown  time.Duration
		shutdownTimer clockwork.Timer
		shutdownGen   uint64
		inactiveSince time.Time

		onShutdown func(r *Room)
	}
)

type tokenMap map[string]model.ClientID

func (m tokenMap) Lookup(token string) (model.ClientID, bool) {
	id, ok := m[token]
	return id, ok
}

func (m tokenMap) Store(token string, client model.ClientID) {
	m[token] = client
}

// New starts a room and its service. Factory failures are returned joined
// with stateroom.ErrFactoryFailed.
func New(cfg Config) (*Room, error) {
	r := &Room{
		id:           cfg.ID,
		logger:       cfg.Logger.With().Str("component", "room").Str("room", cfg.ID).Logger(),
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		inbox:        mailbox.New[func()](),
		connections:  make(map[model.ClientID]model.Sender),
		nextID:       1,
		tokens:       cfg.TokenStore,
		idleShutdown: cfg.IdleShutdown,
		onShutdown:   cfg.OnShutdown,
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.metrics == nil {
		r.metrics = metrics.Discard()
	}
	if r.tokens == nil {
		r.tokens = make(tokenMap)
	}
	r.inactiveSince = r.clock.Now()

	if cfg.Factory != nil {
		svc, err := serviceactor.New(serviceactor.Config{
			Logger:  cfg.Logger,
			Clock:   r.clock,
			Metrics: r.metrics,
			Factory: cfg.Factory,
			Outbox:  r,
			Token:   cfg.ID,
		})
		if err != nil {
			return nil, err
		}
		r.service = svc
	}

	r.metrics.RoomsActive.Inc()
	r.metrics.RoomsCreated.Inc()
	r.armShutdown()

	go r.inbox.Run(func(fn func()) { fn() })
	r.logger.Debug().Msg("room started")
	return r, nil
}

func (r *Room) ID() string {
	return r.id
}

// Send hands a client event to the room.
func (r *Room) Send(msg model.MessageFromClient) {
	if !r.inbox.Push(func() { r.handleClient(msg) }) {
		r.logger.Debug().Stringer("event", msg.Kind).Msg("room is closed, client event dropped")
	}
}

// Deliver hands a service message to the room for fan-out.
func (r *Room) Deliver(msg model.MessageFromServer) {
	r.inbox.Push(func() { r.handleServer(msg) })
}

// AssignClientID reserves a client id. A non-empty token always maps to the
// same id for the lifetime of the room; an empty token gets a fresh id.
func (r *Room) AssignClientID(ctx context.Context, token string) (model.ClientID, error) {
	return ask(ctx, r, func() model.ClientID { return r.assignClientID(token) })
}

func (r *Room) ConnectionInfo(ctx context.Context) (model.ConnectionInfo, error) {
	return ask(ctx, r, r.connectionInfo)
}

// Stop shuts the room down regardless of its connections.
func (r *Room) Stop() {
	r.inbox.Push(func() { r.shutdown("stopped") })
}

// Done is closed once the room has shut down.
func (r *Room) Done() <-chan struct{} {
	return r.inbox.Done()
}

func ask[T any](ctx context.Context, r *Room, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if !r.inbox.Push(func() { reply <- fn() }) {
		return zero, ErrRoomClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.inbox.Done():
		return zero, ErrRoomClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Room) handleClient(msg model.MessageFromClient) {
	if r.service == nil {
		r.logger.Warn().
			Stringer("event", msg.Kind).
			Uint32("client", uint32(msg.Client)).
			Msg("client event received on room with no service attached")
		r.metrics.Drop(metrics.DropNoService)
		return
	}
	r.metrics.Messages.WithLabelValues(metrics.DirectionInbound).Inc()

	switch msg.Kind {
	case model.EventConnect:
		if _, ok := r.connections[msg.Client]; !ok {
			r.metrics.ConnectionsActive.Inc()
		}
		r.connections[msg.Client] = msg.Sender
		r.inactiveSince = time.Time{}
		r.cancelShutdown()
		r.logger.Debug().Uint32("client", uint32(msg.Client)).Msg("client connected")

	case model.EventDisconnect:
		if _, ok := r.connections[msg.Client]; ok {
			delete(r.connections, msg.Client)
			r.metrics.ConnectionsActive.Dec()
			// The idle clock starts when the last connection leaves, not on a stray disconnect.
			if len(r.connections) == 0 {
				r.inactiveSince = r.clock.Now()
				r.armShutdown()
			}
		}
		r.logger.Debug().Uint32("client", uint32(msg.Client)).Msg("client disconnected")

	default:
		r.logger.Trace().Uint32("client", uint32(msg.Client)).Msg("client message")
	}

	r.service.Send(msg)
}

func (r *Room) handleServer(msg model.MessageFromServer) {
	r.metrics.Messages.WithLabelValues(metrics.DirectionOutbound).Inc()
	logger := r.logger.With().Stringer("recipient", msg.Recipient).Logger()

	switch msg.Recipient.Kind {
	case model.RecipientBroadcast:
		for _, sender := range r.connections {
			sender.Send(clone(msg))
		}

	case model.RecipientEveryoneExcept:
		for client, sender := range r.connections {
			if client != msg.Recipient.Client {
				sender.Send(clone(msg))
			}
		}

	case model.RecipientClient:
		sender, ok := r.connections[msg.Recipient.Client]
		if !ok {
			logger.Warn().Msg("could not find client, who may have disconnected")
			r.metrics.Drop(metrics.DropMissingClient)
			return
		}
		sender.Send(msg)

	default:
		logger.Warn().Msg("message with invalid recipient dropped")
		r.metrics.Drop(metrics.DropDecode)
		return
	}
	logger.Trace().Msg("message is forwarded")
}

func clone(msg model.MessageFromServer) model.MessageFromServer {
	msg.Payload = msg.Payload.Clone()
	return msg
}

func (r *Room) assignClientID(token string) model.ClientID {
	if token != "" {
		if id, ok := r.tokens.Lookup(token); ok {
			return id
		}
	}
	id := r.nextID
	r.nextID++
	if token != "" {
		r.tokens.Store(token, id)
	}
	return id
}

func (r *Room) connectionInfo() model.ConnectionInfo {
	var inactive uint64
	if !r.inactiveSince.IsZero() {
		inactive = uint64(r.clock.Since(r.inactiveSince) / time.Second)
	}
	return model.ConnectionInfo{
		ActiveConnections: uint32(len(r.connections)),
		Listening:         true,
		SecondsInactive:   inactive,
	}
}

func (r *Room) armShutdown() {
	if r.idleShutdown <= 0 {
		return
	}
	r.cancelShutdown()
	gen := r.shutdownGen
	r.shutdownTimer = r.clock.AfterFunc(r.idleShutdown, func() {
		r.inbox.Push(func() { r.shutdownFired(gen) })
	})
}

func (r *Room) cancelShutdown() {
	if r.shutdownTimer != nil {
		r.shutdownTimer.Stop()
		r.shutdownTimer = nil
	}
	r.shutdownGen++
}

func (r *Room) shutdownFired(gen uint64) {
	if gen != r.shutdownGen || len(r.connections) > 0 {
		return
	}
	r.shutdown("idle timeout elapsed with no clients left")
}

func (r *Room) shutdown(reason string) {
	r.cancelShutdown()
	if r.service != nil {
		r.service.Stop()
		<-r.service.Done()
	}
	r.metrics.RoomsActive.Dec()
	r.metrics.ConnectionsActive.Sub(float64(len(r.connections)))
	r.logger.Info().Str("reason", reason).Msg("shutting down room")

	r.inbox.Close()
	if r.onShutdown != nil {
		r.onShutdown(r)
	}
}
