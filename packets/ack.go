package packets

// PushACKPacket is used by the server to acknowledge immediately all the
// PUSH_DATA packets received.
type PushACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
}

// PacketType implements the Packet interface.
func (p PushACKPacket) PacketType() PacketType { return PushACK }

// Token implements the Packet interface.
func (p PushACKPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary marshals the object in binary form.
func (p PushACKPacket) MarshalBinary() ([]byte, error) {
	return marshalHeader(p.ProtocolVersion, p.RandomToken, PushACK, 0)
}

// UnmarshalBinary decodes the object from binary form.
func (p *PushACKPacket) UnmarshalBinary(data []byte) error {
	version, token, _, err := unmarshalHeader(data, PushACK)
	if err != nil {
		return err
	}
	p.ProtocolVersion = version
	p.RandomToken = token
	return nil
}

// PullACKPacket is used by the server to confirm that the network route is
// open and that the server can send PULL_RESP packets at any time.
type PullACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
}

// PacketType implements the Packet interface.
func (p PullACKPacket) PacketType() PacketType { return PullACK }

// Token implements the Packet interface.
func (p PullACKPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary marshals the object in binary form.
func (p PullACKPacket) MarshalBinary() ([]byte, error) {
	return marshalHeader(p.ProtocolVersion, p.RandomToken, PullACK, 0)
}

// UnmarshalBinary decodes the object from binary form.
func (p *PullACKPacket) UnmarshalBinary(data []byte) error {
	version, token, _, err := unmarshalHeader(data, PullACK)
	if err != nil {
		return err
	}
	p.ProtocolVersion = version
	p.RandomToken = token
	return nil
}
