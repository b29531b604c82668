package semtech

import (
	"net"

	"github.com/brocaar/lorawan"

	"github.com/blaet/gwmp/packets"
)

// EventType defines the type of an event.
type EventType int

// Available event types.
const (
	// Uplink is emitted for every PUSH_DATA carrying rxpk objects.
	Uplink EventType = iota
	// StatReceived is emitted for every PUSH_DATA carrying a stat object.
	StatReceived
	// NewGateway is emitted when a gateway EUI registers its downlink
	// channel (PULL_DATA) for the first time.
	NewGateway
	// GatewayAddrUpdated is emitted when a known gateway EUI registers its
	// downlink channel from a new address.
	GatewayAddrUpdated
	// GatewayDisconnected is emitted when the session of a registered
	// gateway is evicted.
	GatewayDisconnected
	// InvalidPayload is emitted for datagrams with a valid header but a
	// body that could not be decoded.
	InvalidPayload
)

func (t EventType) String() string {
	switch t {
	case Uplink:
		return "Uplink"
	case StatReceived:
		return "StatReceived"
	case NewGateway:
		return "NewGateway"
	case GatewayAddrUpdated:
		return "GatewayAddrUpdated"
	case GatewayDisconnected:
		return "GatewayDisconnected"
	case InvalidPayload:
		return "InvalidPayload"
	default:
		return "Unknown"
	}
}

// Event is an inbound event, tagged with the address of the gateway.
type Event struct {
	Type       EventType
	Addr       net.Addr
	GatewayMAC lorawan.EUI64
	Token      uint16
	RXPK       []packets.RXPK
	Stat       *packets.Stat

	// Data and Err are set for InvalidPayload events.
	Data []byte
	Err  error
}
