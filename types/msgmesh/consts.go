package msgmesh

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope fields
const (
	envelopeMeta      protowire.Number = 1
	envelopeHandshake protowire.Number = 2
	envelopeControl   protowire.Number = 3
)

// Meta fields
const (
	metaType       protowire.Number = 1
	metaPeerID     protowire.Number = 2
	metaAddress    protowire.Number = 3
	metaNatType    protowire.Number = 4
	metaPublicKey  protowire.Number = 5
	metaReachable  protowire.Number = 6
	metaAllowedIPs protowire.Number = 7
	metaTime       protowire.Number = 8
	metaTxID       protowire.Number = 9
	metaSender     protowire.Number = 10
)

// Handshake fields
const (
	handshakeType          protowire.Number = 1
	handshakeSender        protowire.Number = 2
	handshakeReceiver      protowire.Number = 3
	handshakeSenderIndex   protowire.Number = 4
	handshakeReceiverIndex protowire.Number = 5
	handshakePayload       protowire.Number = 6
)

// Control fields
const (
	controlType         protowire.Number = 1
	controlPeerID       protowire.Number = 2
	controlRelayID      protowire.Number = 3
	controlRelayAddress protowire.Number = 4
	controlTime         protowire.Number = 5
	controlReason       protowire.Number = 6
	controlSender       protowire.Number = 7
)

type MetaType uint32

const (
	MetaHostQuery              MetaType = 1
	MetaHostUpdateNotification MetaType = 2
	MetaHostMovedNotification  MetaType = 3
	MetaHostPunchNotification  MetaType = 4
	MetaHostWhoami             MetaType = 5
	MetaPathCheck              MetaType = 6
)

func (t MetaType) String() string {
	switch t {
	case MetaHostQuery:
		return "HostQuery"
	case MetaHostUpdateNotification:
		return "HostUpdateNotification"
	case MetaHostMovedNotification:
		return "HostMovedNotification"
	case MetaHostPunchNotification:
		return "HostPunchNotification"
	case MetaHostWhoami:
		return "HostWhoami"
	case MetaPathCheck:
		return "PathCheck"
	default:
		return fmt.Sprintf("MetaType(%d)", uint32(t))
	}
}

type HandshakeType uint32

const (
	HandshakeInitiation HandshakeType = 1
	HandshakeResponse   HandshakeType = 2
)

func (t HandshakeType) String() string {
	switch t {
	case HandshakeInitiation:
		return "Initiation"
	case HandshakeResponse:
		return "Response"
	default:
		return fmt.Sprintf("HandshakeType(%d)", uint32(t))
	}
}

type ControlType uint32

const (
	ControlCreateRelayRequest  ControlType = 1
	ControlCreateRelayResponse ControlType = 2
	ControlPing                ControlType = 3
	ControlPong                ControlType = 4
)

func (t ControlType) String() string {
	switch t {
	case ControlCreateRelayRequest:
		return "CreateRelayRequest"
	case ControlCreateRelayResponse:
		return "CreateRelayResponse"
	case ControlPing:
		return "Ping"
	case ControlPong:
		return "Pong"
	default:
		return fmt.Sprintf("ControlType(%d)", uint32(t))
	}
}
