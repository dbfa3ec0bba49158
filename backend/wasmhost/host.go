package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/adwski/stateroom/backend/metrics"
	"github.com/adwski/stateroom/backend/model"
	"github.com/adwski/stateroom/backend/stateroom"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"
)

// Host is a stateroom.Service backed by one guest instance.
// Like the service it wraps, it must be driven by a single goroutine.
type Host struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	mod     api.Module
	memory  api.Memory
	fns     map[string]api.Function

	// callCtx carries the host to imported functions for the duration of one export call.
	callCtx context.Context
	// current is the context of the service call in flight.
	current stateroom.Context
	failed  error
}

type hostKey struct{}

func hostFromContext(ctx context.Context) *Host {
	h, _ := ctx.Value(hostKey{}).(*Host)
	return h
}

func (h *Host) Connect(ctx stateroom.Context, client model.ClientID) error {
	return h.call(ctx, exportConnect, uint64(client))
}

func (h *Host) Disconnect(ctx stateroom.Context, client model.ClientID) error {
	return h.call(ctx, exportDisconnect, uint64(client))
}

func (h *Host) Message(ctx stateroom.Context, client model.ClientID, text string) error {
	return h.callWithPayload(ctx, exportMessage, client, []byte(text))
}

func (h *Host) Binary(ctx stateroom.Context, client model.ClientID, data []byte) error {
	return h.callWithPayload(ctx, exportBinary, client, data)
}

func (h *Host) Timer(ctx stateroom.Context) error {
	return h.call(ctx, exportTimer)
}

// Close releases the guest instance.
func (h *Host) Close() error {
	return h.mod.Close(context.Background())
}

func (h *Host) call(ctx stateroom.Context, name string, params ...uint64) error {
	if h.failed != nil {
		return h.failed
	}
	h.current = ctx
	defer func() { h.current = nil }()

	_, err := h.fns[name].Call(h.callCtx, params...)
	if err != nil {
		return h.trap(name, err)
	}
	return nil
}

// callWithPayload copies data into a guest buffer for the call and frees it afterwards.
// An empty payload is passed as a null pointer without allocating.
func (h *Host) callWithPayload(ctx stateroom.Context, name string, client model.ClientID, data []byte) error {
	if h.failed != nil {
		return h.failed
	}
	size := uint32(len(data))
	if size == 0 {
		return h.call(ctx, name, uint64(client), 0, 0)
	}

	res, err := h.fns[exportMalloc].Call(h.callCtx, uint64(size))
	if err != nil {
		return h.trap(exportMalloc, err)
	}
	ptr := uint32(res[0])
	if !h.memory.Write(ptr, data) {
		return h.trap(exportMalloc, fmt.Errorf("malloc returned out of range buffer %#x+%d", ptr, size))
	}

	if err = h.call(ctx, name, uint64(client), uint64(ptr), uint64(size)); err != nil {
		return err
	}
	if _, err = h.fns[exportFree].Call(h.callCtx, uint64(ptr), uint64(size)); err != nil {
		return h.trap(exportFree, err)
	}
	return nil
}

func (h *Host) trap(name string, err error) error {
	h.failed = errors.Join(ErrGuestTrap, fmt.Errorf("%s: %w", name, err))
	return h.failed
}

// readGuest copies a guest buffer out of linear memory.
func readGuest(mod api.Module, ptr, size uint32) ([]byte, bool) {
	view, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, false
	}
	b := make([]byte, len(view))
	copy(b, view)
	return b, true
}

func (h *Host) decodeOutbound(op string, recipient uint32) (model.MessageRecipient, bool) {
	r, err := model.DecodeRecipient(recipient)
	if err != nil {
		h.logger.Warn().Err(err).Str("op", op).Msg("guest sent malformed recipient, message dropped")
		h.metrics.Drop(metrics.DropDecode)
		return model.MessageRecipient{}, false
	}
	if h.current == nil {
		h.logger.Warn().Str("op", op).Msg("guest called host outside of an event, message dropped")
		return model.MessageRecipient{}, false
	}
	return r, true
}

func sendMessage(ctx context.Context, mod api.Module, recipient, ptr, size uint32) {
	h := hostFromContext(ctx)
	if h == nil {
		return
	}
	r, ok := h.decodeOutbound(importSendMessage, recipient)
	if !ok {
		return
	}
	data, ok := readGuest(mod, ptr, size)
	if !ok {
		h.logger.Warn().Uint32("ptr", ptr).Uint32("len", size).Msg("guest message out of memory bounds, dropped")
		h.metrics.Drop(metrics.DropDecode)
		return
	}
	if !utf8.Valid(data) {
		h.logger.Warn().Stringer("recipient", r).Msg("guest message is not valid UTF-8, dropped")
		h.metrics.Drop(metrics.DropDecode)
		return
	}
	h.current.SendMessage(r, string(data))
}

func sendBinary(ctx context.Context, mod api.Module, recipient, ptr, size uint32) {
	h := hostFromContext(ctx)
	if h == nil {
		return
	}
	r, ok := h.decodeOutbound(importSendBinary, recipient)
	if !ok {
		return
	}
	data, ok := readGuest(mod, ptr, size)
	if !ok {
		h.logger.Warn().Uint32("ptr", ptr).Uint32("len", size).Msg("guest binary out of memory bounds, dropped")
		h.metrics.Drop(metrics.DropDecode)
		return
	}
	h.current.SendBinary(r, data)
}

func setTimer(ctx context.Context, msDelay uint32) {
	h := hostFromContext(ctx)
	if h == nil || h.current == nil {
		return
	}
	h.current.SetTimer(msDelay)
}
