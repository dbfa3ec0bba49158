package serviceactor

import (
	"github.com/adwski/stateroom/backend/model"
)

// Outbox receives everything a service sends. It is normally the owning room.
type Outbox interface {
	Deliver(msg model.MessageFromServer)
}

// Context is the stateroom.Context handed to services hosted by an Actor.
// Every call is a non-blocking enqueue, so it is safe to use from inside a service method.
type Context struct {
	outbox Outbox
	actor  *Actor
}

func (c *Context) SendMessage(recipient model.MessageRecipient, text string) {
	c.outbox.Deliver(model.MessageFromServer{
		Recipient: recipient,
		Payload:   model.TextPayload(text),
	})
}

func (c *Context) SendBinary(recipient model.MessageRecipient, data []byte) {
	b := make([]byte, len(data))
	copy(b, data)
	c.outbox.Deliver(model.MessageFromServer{
		Recipient: recipient,
		Payload:   model.BinaryPayload(b),
	})
}

func (c *Context) SetTimer(msDelay uint32) {
	c.actor.SetTimer(msDelay)
}
