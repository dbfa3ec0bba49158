// Package echo is a native service that greets clients and broadcasts what they say.
package echo

import (
	"fmt"

	"github.com/adwski/stateroom/backend/model"
	"github.com/adwski/stateroom/backend/stateroom"
)

type Service struct{}

func Factory() stateroom.Factory {
	return stateroom.Native[Service]()
}

func (Service) Connect(ctx stateroom.Context, client model.ClientID) error {
	ctx.SendMessage(model.Client(client), fmt.Sprintf("User %d connected.", client))
	return nil
}

func (Service) Disconnect(ctx stateroom.Context, client model.ClientID) error {
	ctx.SendMessage(model.Broadcast(), fmt.Sprintf("User %d left.", client))
	return nil
}

func (Service) Message(ctx stateroom.Context, client model.ClientID, text string) error {
	ctx.SendMessage(model.Broadcast(), fmt.Sprintf("User %d sent '%s'", client, text))
	return nil
}

// Binary returns the payload to its sender.
func (Service) Binary(ctx stateroom.Context, client model.ClientID, data []byte) error {
	ctx.SendBinary(model.Client(client), data)
	return nil
}

func (Service) Timer(stateroom.Context) error {
	return nil
}
