package packets

import (
	"encoding/json"
	"fmt"

	"github.com/brocaar/lorawan"
)

// TX_ACK error values reported by the packet forwarder.
const (
	TXAckNone            = "NONE"
	TXAckTooLate         = "TOO_LATE"
	TXAckTooEarly        = "TOO_EARLY"
	TXAckCollisionPacket = "COLLISION_PACKET"
	TXAckCollisionBeacon = "COLLISION_BEACON"
	TXAckTXFreq          = "TX_FREQ"
	TXAckTXPower         = "TX_POWER"
	TXAckGPSUnlocked     = "GPS_UNLOCKED"
)

// TXACKPacket is used by the gateway to send a feedback to the server
// to inform if a downlink request has been accepted or rejected by the
// gateway.
//
// The gateway EUI is optional: it is written when GatewayMAC is set and
// detected on decode. The JSON object is optional too: without it (or with
// an empty error) the downlink was accepted.
type TXACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      *lorawan.EUI64
	Payload         *TXACKPayload
}

// PacketType implements the Packet interface.
func (p TXACKPacket) PacketType() PacketType { return TXACK }

// Token implements the Packet interface.
func (p TXACKPacket) Token() uint16 { return p.RandomToken }

// Error returns the error reported by the gateway, or an empty string when
// the downlink was accepted.
func (p TXACKPacket) Error() string {
	if p.Payload == nil || p.Payload.TXPKACK == nil {
		return ""
	}
	if p.Payload.TXPKACK.Error == TXAckNone {
		return ""
	}
	return p.Payload.TXPKACK.Error
}

// MarshalBinary marshals the object in binary form.
func (p TXACKPacket) MarshalBinary() ([]byte, error) {
	var pb []byte
	if p.Payload != nil {
		var err error
		pb, err = json.Marshal(p.Payload)
		if err != nil {
			return nil, err
		}
	}
	size := len(pb)
	if p.GatewayMAC != nil {
		size += macSize
	}
	out, err := marshalHeader(p.ProtocolVersion, p.RandomToken, TXACK, size)
	if err != nil {
		return nil, err
	}
	if p.GatewayMAC != nil {
		out = append(out, p.GatewayMAC[:]...)
	}
	return append(out, pb...), nil
}

// UnmarshalBinary decodes the object from binary form.
func (p *TXACKPacket) UnmarshalBinary(data []byte) error {
	version, token, body, err := unmarshalHeader(data, TXACK)
	if err != nil {
		return err
	}

	// The EUI is tried first: the 8 bytes of an EUI may look like a JSON
	// object, but no JSON object stays one with its first 8 bytes removed.
	var mac *lorawan.EUI64
	switch {
	case len(body) >= macSize && (!isJSONObject(body) || isEmptyOrJSONObject(body[macSize:])):
		mac = &lorawan.EUI64{}
		copy(mac[:], body[:macSize])
		body = body[macSize:]
	case isJSONObject(body):
	case len(trimJSON(body)) > 0:
		return fmt.Errorf("%w: TXACK body is neither a gateway EUI nor a JSON object", ErrMalformedFrame)
	}

	var pl *TXACKPayload
	if len(trimJSON(body)) > 0 {
		pl = &TXACKPayload{}
		if err := unmarshalJSONObject(TXACK, body, pl); err != nil {
			return err
		}
	}

	p.ProtocolVersion = version
	p.RandomToken = token
	p.GatewayMAC = mac
	p.Payload = pl
	return nil
}

func isEmptyOrJSONObject(b []byte) bool {
	return len(trimJSON(b)) == 0 || isJSONObject(b)
}

func isJSONObject(b []byte) bool {
	b = trimJSON(b)
	return len(b) > 0 && b[0] == '{' && json.Valid(b) && b[len(b)-1] == '}'
}

// TXACKPayload contains the TXACK JSON object.
type TXACKPayload struct {
	TXPKACK *TXPKACK `json:"txpk_ack,omitempty"`
}

// TXPKACK contains the status information of the associated PULL_RESP
// packet.
type TXPKACK struct {
	Error string `json:"error,omitempty"` // Indication about success or type of failure that occured for downlink request
	Warn  string `json:"warn,omitempty"`  // Indication of a corrected downlink parameter (e.g. TX_POWER)
	Value *int   `json:"value,omitempty"` // Value of the corrected parameter (e.g. the applied TX power)
}
