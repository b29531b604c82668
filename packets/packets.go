package packets

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// PacketType defines the packet type.
type PacketType byte

// Available packet types
const (
	PushData PacketType = iota
	PushACK
	PullData
	PullResp
	PullACK
	TXACK
)

func (t PacketType) String() string {
	switch t {
	case PushData:
		return "PushData"
	case PushACK:
		return "PushACK"
	case PullData:
		return "PullData"
	case PullResp:
		return "PullResp"
	case PullACK:
		return "PullACK"
	case TXACK:
		return "TXACK"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(t))
	}
}

// Protocol versions
const (
	ProtocolVersion1 uint8 = 0x01
	ProtocolVersion2 uint8 = 0x02
)

const (
	headerSize = 4
	macSize    = 8
)

// Errors
var (
	// ErrMalformedFrame is returned when the binary structure of a datagram
	// can not be parsed (too short, unknown version or identifier).
	ErrMalformedFrame = errors.New("packets: malformed frame")

	// ErrInvalidProtocolVersion is returned (wrapped in ErrMalformedFrame)
	// for datagrams with an unsupported protocol version.
	ErrInvalidProtocolVersion = errors.New("packets: invalid protocol version")

	// ErrInvalidPayload is returned when the JSON body of a datagram fails
	// structural validation.
	ErrInvalidPayload = errors.New("packets: invalid payload")
)

// Packet is implemented by all GWMP packet types.
type Packet interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler

	// PacketType returns the identifier of the packet.
	PacketType() PacketType

	// Token returns the random token of the packet.
	Token() uint16
}

// GetPacketType returns the packet type for the given packet data.
func GetPacketType(data []byte) (PacketType, error) {
	if len(data) < headerSize {
		return PacketType(0), fmt.Errorf("%w: at least %d bytes of data are expected, got %d", ErrMalformedFrame, headerSize, len(data))
	}
	if !protocolSupported(data[0]) {
		return PacketType(0), fmt.Errorf("%w: %w: %d", ErrMalformedFrame, ErrInvalidProtocolVersion, data[0])
	}
	pt := PacketType(data[3])
	if pt > TXACK {
		return pt, fmt.Errorf("%w: unknown packet identifier: %d", ErrMalformedFrame, data[3])
	}
	return pt, nil
}

// Decode decodes the given datagram into one of the packet types of this
// package. The returned value is a pointer (e.g. *PushDataPacket).
func Decode(data []byte) (Packet, error) {
	pt, err := GetPacketType(data)
	if err != nil {
		return nil, err
	}

	var p Packet
	switch pt {
	case PushData:
		p = &PushDataPacket{}
	case PushACK:
		p = &PushACKPacket{}
	case PullData:
		p = &PullDataPacket{}
	case PullResp:
		p = &PullRespPacket{}
	case PullACK:
		p = &PullACKPacket{}
	case TXACK:
		p = &TXACKPacket{}
	}

	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode encodes the given packet. Equal packets always result in identical
// bytes.
func Encode(p Packet) ([]byte, error) {
	return p.MarshalBinary()
}

func protocolSupported(p uint8) bool {
	return p == ProtocolVersion1 || p == ProtocolVersion2
}

func marshalHeader(version uint8, token uint16, pt PacketType, bodySize int) ([]byte, error) {
	if !protocolSupported(version) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProtocolVersion, version)
	}
	out := make([]byte, headerSize, headerSize+bodySize)
	out[0] = version
	binary.LittleEndian.PutUint16(out[1:3], token)
	out[3] = byte(pt)
	return out, nil
}

// unmarshalHeader validates the header against the expected packet type and
// returns the version, token and body.
func unmarshalHeader(data []byte, expected PacketType) (uint8, uint16, []byte, error) {
	pt, err := GetPacketType(data)
	if err != nil {
		return 0, 0, nil, err
	}
	if pt != expected {
		return 0, 0, nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, expected, pt)
	}
	return data[0], binary.LittleEndian.Uint16(data[1:3]), data[headerSize:], nil
}

// trimJSON strips surrounding whitespace and the NUL terminator some packet
// forwarders append to the JSON object.
func trimJSON(b []byte) []byte {
	return bytes.TrimSpace(bytes.TrimRight(b, "\x00"))
}

func unmarshalJSONObject(pt PacketType, body []byte, v interface{}) error {
	body = trimJSON(body)
	if len(body) == 0 || body[0] != '{' {
		return fmt.Errorf("%w: %s body is not a JSON object", ErrInvalidPayload, pt)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, pt, err)
	}
	return nil
}
