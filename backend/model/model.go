package model

// ClientID identifies a client within one room. IDs start at 1 and are never
// reused during the room's lifetime; zero is reserved.
type ClientID uint32

type PayloadKind uint8

const (
	PayloadText PayloadKind = iota
	PayloadBinary
)

// MessagePayload is either a UTF-8 text frame or an opaque binary frame.
type MessagePayload struct {
	Kind   PayloadKind
	Text   string
	Binary []byte
}

func TextPayload(text string) MessagePayload {
	return MessagePayload{Kind: PayloadText, Text: text}
}

func BinaryPayload(data []byte) MessagePayload {
	return MessagePayload{Kind: PayloadBinary, Binary: data}
}

func (p MessagePayload) IsBinary() bool {
	return p.Kind == PayloadBinary
}

// Bytes returns the raw frame contents regardless of kind.
func (p MessagePayload) Bytes() []byte {
	if p.Kind == PayloadBinary {
		return p.Binary
	}
	return []byte(p.Text)
}

// Clone returns a payload that does not share its binary buffer with p.
func (p MessagePayload) Clone() MessagePayload {
	if p.Kind != PayloadBinary || p.Binary == nil {
		return p
	}
	b := make([]byte, len(p.Binary))
	copy(b, p.Binary)
	return BinaryPayload(b)
}

// Sender is the transport-side endpoint of one connected client.
// Send must not block.
type Sender interface {
	Send(msg MessageFromServer)
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(msg MessageFromServer)

func (f SenderFunc) Send(msg MessageFromServer) { f(msg) }

type ClientEventKind uint8

const (
	EventConnect ClientEventKind = iota
	EventDisconnect
	EventMessage
)

func (k ClientEventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// MessageFromClient is an event produced by the transport for a room.
// Sender is only set for EventConnect, Payload only for EventMessage.
type MessageFromClient struct {
	Kind    ClientEventKind
	Client  ClientID
	Sender  Sender
	Payload MessagePayload
}

func Connect(client ClientID, sender Sender) MessageFromClient {
	return MessageFromClient{Kind: EventConnect, Client: client, Sender: sender}
}

func Disconnect(client ClientID) MessageFromClient {
	return MessageFromClient{Kind: EventDisconnect, Client: client}
}

func Message(from ClientID, payload MessagePayload) MessageFromClient {
	return MessageFromClient{Kind: EventMessage, Client: from, Payload: payload}
}

// MessageFromServer is emitted by a service and fanned out by its room.
type MessageFromServer struct {
	Recipient MessageRecipient
	Payload   MessagePayload
}

// ConnectionInfo is the result of a room's connection info query.
type ConnectionInfo struct {
	ActiveConnections uint32 `json:"active_connections"`
	Listening         bool   `json:"listening"`
	SecondsInactive   uint64 `json:"seconds_inactive"`
}
