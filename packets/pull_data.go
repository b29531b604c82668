package packets

import (
	"fmt"

	"github.com/brocaar/lorawan"
)

// PullDataPacket is used by the gateway to poll data from the server. It
// keeps the downlink route (and NAT mapping) towards the gateway open.
type PullDataPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
}

// PacketType implements the Packet interface.
func (p PullDataPacket) PacketType() PacketType { return PullData }

// Token implements the Packet interface.
func (p PullDataPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary marshals the object in binary form.
func (p PullDataPacket) MarshalBinary() ([]byte, error) {
	out, err := marshalHeader(p.ProtocolVersion, p.RandomToken, PullData, macSize)
	if err != nil {
		return nil, err
	}
	return append(out, p.GatewayMAC[:]...), nil
}

// UnmarshalBinary decodes the object from binary form.
func (p *PullDataPacket) UnmarshalBinary(data []byte) error {
	version, token, body, err := unmarshalHeader(data, PullData)
	if err != nil {
		return err
	}
	if len(body) < macSize {
		return fmt.Errorf("%w: PullData is missing the gateway EUI", ErrMalformedFrame)
	}
	p.ProtocolVersion = version
	p.RandomToken = token
	copy(p.GatewayMAC[:], body[:macSize])
	return nil
}
