// Package stateroom defines the contract between a room and the service it hosts.
//
// A Service reacts to client events and talks back through a Context. All calls
// into one Service are serialized by its owner, so implementations need no locking.
// Services must return promptly: they run on the room's service actor and nothing
// else in that room progresses while a call is in flight.
package stateroom

import (
	"errors"

	"github.com/adwski/stateroom/backend/model"
)

var (
	ErrFactoryFailed = errors.New("service factory failed")

	// ErrFatal marks a service error after which the service must not be called again.
	// Any other error returned by a Service only drops the event that caused it.
	ErrFatal = errors.New("service is no longer usable")
)

// Context is the capability a Service uses to emit messages and arm its timer.
// Sends are queued to the room in the order they are issued.
type Context interface {
	SendMessage(recipient model.MessageRecipient, text string)
	SendBinary(recipient model.MessageRecipient, data []byte)
	// SetTimer replaces any pending timer. Zero cancels without rescheduling.
	SetTimer(msDelay uint32)
}

// Service is the user-supplied logic of a room. The text and data arguments are
// borrowed for the duration of the call; copy them to retain.
type Service interface {
	Connect(ctx Context, client model.ClientID) error
	Disconnect(ctx Context, client model.ClientID) error
	Message(ctx Context, client model.ClientID, text string) error
	Binary(ctx Context, client model.ClientID, data []byte) error
	Timer(ctx Context) error
}

// Closer is implemented by services holding resources that must be released
// when their room shuts down.
type Closer interface {
	Close() error
}

// Factory builds the service of one room. The token identifies the room and may be empty.
type Factory interface {
	Build(token string, ctx Context) (Service, error)
}

type FactoryFunc func(token string, ctx Context) (Service, error)

func (f FactoryFunc) Build(token string, ctx Context) (Service, error) {
	return f(token, ctx)
}

// NativeFactory builds a zero-valued T for every room.
type NativeFactory[T any, P interface {
	*T
	Service
}] struct{}

func (NativeFactory[T, P]) Build(string, Context) (Service, error) {
	return P(new(T)), nil
}

// Native returns a NativeFactory for T, e.g. Native[echo.Service]().
func Native[T any, P interface {
	*T
	Service
}]() Factory {
	return NativeFactory[T, P]{}
}

// Base provides no-op implementations of every Service method so that
// native services only override what they handle.
type Base struct{}

func (Base) Connect(Context, model.ClientID) error { return nil }
func (Base) Disconnect(Context, model.ClientID) error { return nil }
func (Base) Message(Context, model.ClientID, string) error { return nil }
func (Base) Binary(Context, model.ClientID, []byte) error { return nil }
func (Base) Timer(Context) error { return nil }
