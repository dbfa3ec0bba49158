package model

import (
	"errors"
	"fmt"
)

// Recipient word layout: 2-bit tag in the most significant bits, 30-bit client id below.
const (
	recipientTagShift = 30
	recipientIDMask   = 1<<recipientTagShift - 1

	// MaxClientID is the largest id that survives the u32 recipient encoding.
	MaxClientID ClientID = recipientIDMask
)

var ErrDecode = errors.New("decode error")

type RecipientKind uint8

const (
	RecipientBroadcast RecipientKind = iota
	RecipientEveryoneExcept
	RecipientClient
)

// MessageRecipient addresses everyone, everyone except one client, or one client.
type MessageRecipient struct {
	Kind   RecipientKind
	Client ClientID
}

func Broadcast() MessageRecipient {
	return MessageRecipient{Kind: RecipientBroadcast}
}

func EveryoneExcept(client ClientID) MessageRecipient {
	return MessageRecipient{Kind: RecipientEveryoneExcept, Client: client}
}

func Client(client ClientID) MessageRecipient {
	return MessageRecipient{Kind: RecipientClient, Client: client}
}

func (r MessageRecipient) String() string {
	switch r.Kind {
	case RecipientBroadcast:
		return "broadcast"
	case RecipientEveryoneExcept:
		return fmt.Sprintf("everyone-except(%d)", r.Client)
	case RecipientClient:
		return fmt.Sprintf("client(%d)", r.Client)
	default:
		return "invalid"
	}
}

// EncodeU32 packs the recipient into the word used by the wasm ABI.
// Client ids above MaxClientID are truncated to 30 bits. An unknown kind
// encodes with the reserved tag, so it never decodes as a broadcast.
func (r MessageRecipient) EncodeU32() uint32 {
	switch r.Kind {
	case RecipientBroadcast:
		return 0
	case RecipientEveryoneExcept:
		return 0b01<<recipientTagShift | uint32(r.Client)&recipientIDMask
	case RecipientClient:
		return 0b10<<recipientTagShift | uint32(r.Client)&recipientIDMask
	default:
		return 0b11 << recipientTagShift
	}
}

// DecodeRecipient is the inverse of EncodeU32. The reserved tag yields ErrDecode.
func DecodeRecipient(word uint32) (MessageRecipient, error) {
	id := ClientID(word & recipientIDMask)
	switch word >> recipientTagShift {
	case 0b00:
		return Broadcast(), nil
	case 0b01:
		return EveryoneExcept(id), nil
	case 0b10:
		return Client(id), nil
	default:
		return MessageRecipient{}, errors.Join(ErrDecode, fmt.Errorf("reserved recipient tag in word %#08x", word))
	}
}
