package packets

import (
	"encoding/json"
	"fmt"
)

// PullRespPacket is used by the server to send RF packets and associated
// metadata that will have to be emitted by the gateway.
type PullRespPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	Payload         PullRespPayload
}

// PacketType implements the Packet interface.
func (p PullRespPacket) PacketType() PacketType { return PullResp }

// Token implements the Packet interface.
func (p PullRespPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary marshals the object in binary form.
func (p PullRespPacket) MarshalBinary() ([]byte, error) {
	pb, err := json.Marshal(&p.Payload)
	if err != nil {
		return nil, err
	}
	out, err := marshalHeader(p.ProtocolVersion, p.RandomToken, PullResp, len(pb))
	if err != nil {
		return nil, err
	}
	return append(out, pb...), nil
}

// UnmarshalBinary decodes the object from binary form.
func (p *PullRespPacket) UnmarshalBinary(data []byte) error {
	version, token, body, err := unmarshalHeader(data, PullResp)
	if err != nil {
		return err
	}

	var pl struct {
		TXPK *TXPK `json:"txpk"`
	}
	if err := unmarshalJSONObject(PullResp, body, &pl); err != nil {
		return err
	}
	if pl.TXPK == nil {
		return fmt.Errorf("%w: PullResp is missing the txpk object", ErrInvalidPayload)
	}

	p.ProtocolVersion = version
	p.RandomToken = token
	p.Payload = PullRespPayload{TXPK: *pl.TXPK}
	return nil
}

// PullRespPayload represents the downstream JSON data structure.
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

// TXPK contains a RF packet to be emitted and associated metadata.
type TXPK struct {
	Imme bool         `json:"imme"`           // Send packet immediately (will ignore tmst & time)
	Tmst *uint32      `json:"tmst,omitempty"` // Send packet on a certain timestamp value (will ignore time)
	Tmms *int64       `json:"tmms,omitempty"` // Send packet at a certain GPS time (GPS synchronization required)
	Time *CompactTime `json:"time,omitempty"` // Send packet at a certain time (GPS synchronization required)
	Freq float64      `json:"freq"`           // TX central frequency in MHz (unsigned float, Hz precision)
	RFCh uint8        `json:"rfch"`           // Concentrator "RF chain" used for TX (unsigned integer)
	Powe uint8        `json:"powe"`           // TX output power in dBm (unsigned integer, dBm precision)
	Ant  *uint8       `json:"ant,omitempty"`  // Antenna number on which signal has to be emitted
	Brd  *uint8       `json:"brd,omitempty"`  // Concentrator board used for TX
	Modu string       `json:"modu"`           // Modulation identifier "LORA" or "FSK"
	DatR DatR         `json:"datr"`           // LoRa datarate identifier (eg. SF12BW500) or FSK datarate (unsigned, in bits per second)
	CodR string       `json:"codr,omitempty"` // LoRa ECC coding rate identifier
	FDev *uint16      `json:"fdev,omitempty"` // FSK frequency deviation (unsigned integer, in Hz)
	IPol bool         `json:"ipol"`           // Lora modulation polarization inversion
	Prea *uint16      `json:"prea,omitempty"` // RF preamble size (unsigned integer)
	Size uint16       `json:"size"`           // RF packet payload size in bytes (unsigned integer)
	NCRC *bool        `json:"ncrc,omitempty"` // If true, disable the CRC of the physical layer (optional)
	Data Payload      `json:"data"`           // Base64 encoded RF packet payload, padding optional
}
