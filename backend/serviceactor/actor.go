package serviceactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/adwski/stateroom/backend/mailbox"
	"github.com/adwski/stateroom/backend/metrics"
	"github.com/adwski/stateroom/backend/model"
	"github.com/adwski/stateroom/backend/stateroom"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var ErrNoOutbox = errors.New("service actor requires an outbox")

type (
	Config struct {
		Logger  *zerolog.Logger
		Clock   clockwork.Clock
		Metrics *metrics.Metrics
		Factory stateroom.Factory
		Outbox  Outbox
		// Token is passed to the factory, normally the room id.
		Token string
	}

	// Actor owns one service instance and serializes every call into it,
	// including timer expiry.
	Actor struct {
		logger  zerolog.Logger
		clock   clockwork.Clock
		metrics *metrics.Metrics
		svc     stateroom.Service
		ctx     *Context
		inbox   *mailbox.Mailbox[func()]

		timer    clockwork.Timer
		timerGen uint64

		quarantined bool
	}
)

// New builds the service through cfg.Factory and starts the actor.
// Factory errors are returned joined with stateroom.ErrFactoryFailed.
func New(cfg Config) (*Actor, error) {
	if cfg.Outbox == nil {
		return nil, ErrNoOutbox
	}
	a := &Actor{
		logger:  cfg.Logger.With().Str("component", "service-actor").Str("room", cfg.Token).Logger(),
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		inbox:   mailbox.New[func()](),
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.metrics == nil {
		a.metrics = metrics.Discard()
	}
	a.ctx = &Context{outbox: cfg.Outbox, actor: a}

	svc, err := cfg.Factory.Build(cfg.Token, a.ctx)
	if err != nil {
		a.inbox.Close()
		return nil, errors.Join(stateroom.ErrFactoryFailed, err)
	}
	a.svc = svc

	go a.inbox.Run(func(fn func()) { fn() })
	a.logger.Debug().Msg("service started")
	return a, nil
}

// Send routes a client event to the service. Events are handled in call order.
func (a *Actor) Send(msg model.MessageFromClient) {
	a.inbox.Push(func() { a.dispatch(msg) })
}

// SetTimer replaces the pending timer. Zero only cancels.
func (a *Actor) SetTimer(msDelay uint32) {
	a.inbox.Push(func() { a.setTimer(msDelay) })
}

// Stop cancels the timer, releases the service and stops the actor.
// Events queued behind Stop are discarded.
func (a *Actor) Stop() {
	a.inbox.Push(func() {
		a.cancelTimer()
		if c, ok := a.svc.(stateroom.Closer); ok {
			if err := c.Close(); err != nil {
				a.logger.Error().Err(err).Msg("failed to close service")
			}
		}
		a.logger.Info().Msg("shutting down service")
		a.inbox.Close()
	})
}

// Done is closed after the actor has stopped.
func (a *Actor) Done() <-chan struct{} {
	return a.inbox.Done()
}

func (a *Actor) dispatch(msg model.MessageFromClient) {
	if a.quarantined {
		a.logger.Debug().
			Stringer("event", msg.Kind).
			Uint32("client", uint32(msg.Client)).
			Msg("service is quarantined, event dropped")
		a.metrics.Drop(metrics.DropQuarantined)
		return
	}

	var op string
	err := a.call(func() error {
		switch msg.Kind {
		case model.EventConnect:
			op = "connect"
			return a.svc.Connect(a.ctx, msg.Client)
		case model.EventDisconnect:
			op = "disconnect"
			return a.svc.Disconnect(a.ctx, msg.Client)
		default:
			if msg.Payload.IsBinary() {
				op = "binary"
				return a.svc.Binary(a.ctx, msg.Client, msg.Payload.Binary)
			}
			op = "message"
			return a.svc.Message(a.ctx, msg.Client, msg.Payload.Text)
		}
	})
	if err != nil {
		a.fail(op, msg.Client, err)
	}
}

func (a *Actor) setTimer(msDelay uint32) {
	a.logger.Trace().Uint32("ms", msDelay).Msg("timer set")
	a.cancelTimer()
	if msDelay == 0 {
		return
	}
	gen := a.timerGen
	a.timer = a.clock.AfterFunc(time.Duration(msDelay)*time.Millisecond, func() {
		a.inbox.Push(func() { a.timerFired(gen) })
	})
}

func (a *Actor) cancelTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func (a *Actor) timerFired(gen uint64) {
	if gen != a.timerGen {
		// superseded between expiry and dispatch
		return
	}
	a.timer = nil
	a.timerGen++
	if a.quarantined {
		a.metrics.Drop(metrics.DropQuarantined)
		return
	}
	a.logger.Trace().Msg("timer finished")
	a.metrics.TimersFired.Inc()
	if err := a.call(func() error { return a.svc.Timer(a.ctx) }); err != nil {
		a.fail("timer", 0, err)
	}
}

// call runs fn and converts a panic into a fatal error.
func (a *Actor) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(stateroom.ErrFatal, fmt.Errorf("service panicked: %v", r))
		}
	}()
	return fn()
}

func (a *Actor) fail(op string, client model.ClientID, err error) {
	if errors.Is(err, stateroom.ErrFatal) {
		a.quarantined = true
		a.cancelTimer()
		a.metrics.ServiceFailures.Inc()
		a.logger.Error().Err(err).
			Str("op", op).
			Uint32("client", uint32(client)).
			Msg("service failed and is quarantined")
		return
	}
	a.metrics.Drop(metrics.DropServiceError)
	a.logger.Warn().Err(err).
		Str("op", op).
		Uint32("client", uint32(client)).
		Msg("service returned error, event dropped")
}
