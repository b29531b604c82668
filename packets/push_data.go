package packets

import (
	"encoding/json"
	"fmt"

	"github.com/brocaar/lorawan"
)

// PushDataPacket type is used by the gateway mainly to forward the RF packets
// received, and associated metadata, to the server.
type PushDataPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
	Payload         PushDataPayload
}

// PacketType implements the Packet interface.
func (p PushDataPacket) PacketType() PacketType { return PushData }

// Token implements the Packet interface.
func (p PushDataPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary marshals the object in binary form.
func (p PushDataPacket) MarshalBinary() ([]byte, error) {
	pb, err := json.Marshal(&p.Payload)
	if err != nil {
		return nil, err
	}
	out, err := marshalHeader(p.ProtocolVersion, p.RandomToken, PushData, macSize+len(pb))
	if err != nil {
		return nil, err
	}
	out = append(out, p.GatewayMAC[:]...)
	out = append(out, pb...)
	return out, nil
}

// UnmarshalBinary decodes the object from binary form.
func (p *PushDataPacket) UnmarshalBinary(data []byte) error {
	version, token, body, err := unmarshalHeader(data, PushData)
	if err != nil {
		return err
	}
	if len(body) < macSize {
		return fmt.Errorf("%w: PushData is missing the gateway EUI", ErrMalformedFrame)
	}

	var pl PushDataPayload
	if err := unmarshalJSONObject(PushData, body[macSize:], &pl); err != nil {
		return err
	}

	p.ProtocolVersion = version
	p.RandomToken = token
	copy(p.GatewayMAC[:], body[:macSize])
	p.Payload = pl
	return nil
}

// PushDataPayload represents the upstream JSON data structure.
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// Stat contains the status of the gateway.
type Stat struct {
	Time ExpandedTime `json:"time"`           // UTC 'system' time of the gateway, ISO 8601 'expanded' format (e.g 2014-01-12 08:59:28 GMT)
	Lati *float64     `json:"lati,omitempty"` // GPS latitude of the gateway in degree (float, N is +)
	Long *float64     `json:"long,omitempty"` // GPS latitude of the gateway in degree (float, E is +)
	Alti *float64     `json:"alti,omitempty"` // GPS altitude of the gateway in meter RX (integer)
	RXNb uint32       `json:"rxnb"`           // Number of radio packets received (unsigned integer)
	RXOK uint32       `json:"rxok"`           // Number of radio packets received with a valid PHY CRC
	RXFW uint32       `json:"rxfw"`           // Number of radio packets forwarded (unsigned integer)
	ACKR *float64     `json:"ackr"`           // Percentage of upstream datagrams that were acknowledged, null without upstream traffic
	DWNb uint32       `json:"dwnb"`           // Number of downlink datagrams received (unsigned integer)
	TXNb uint32       `json:"txnb"`           // Number of packets emitted (unsigned integer)
	Pfrm string       `json:"pfrm,omitempty"` // Platform definition (TTN extension)
	Mail string       `json:"mail,omitempty"` // Email of gateway operator (TTN extension)
	Desc string       `json:"desc,omitempty"` // Public description of this device (TTN extension)
}

// RXPK contains a RF packet and associated metadata. Both the v1 format
// (rssi, lsnr) and the v2 format (jver, rsig) are supported.
type RXPK struct {
	JVer    *int         `json:"jver,omitempty"`    // Version of the JSON rxpk frame format
	Brd     *uint32      `json:"brd,omitempty"`     // Radio ID
	Aesk    *uint8       `json:"aesk,omitempty"`    // Concentrator used for RX
	Delayed *bool        `json:"delayed,omitempty"` // True if the message has been delayed due to buffering
	Time    *CompactTime `json:"time,omitempty"`    // UTC time of pkt RX, us precision, ISO 8601 'compact' format (e.g. 2013-03-31T16:21:17.528002Z)
	Tmms    *int64       `json:"tmms,omitempty"`    // GPS time of pkt RX, number of milliseconds since 06.Jan.1980
	Tmst    uint32       `json:"tmst"`              // Internal timestamp of "RX finished" event (32b unsigned)
	Freq    float64      `json:"freq"`              // RX central frequency in MHz (unsigned float, Hz precision)
	Chan    uint8        `json:"chan"`              // Concentrator "IF" channel used for RX (unsigned integer)
	RFCh    uint8        `json:"rfch"`              // Concentrator "RF chain" used for RX (unsigned integer)
	Stat    int8         `json:"stat"`              // CRC status: 1 = OK, -1 = fail, 0 = no CRC
	Modu    string       `json:"modu"`              // Modulation identifier "LORA" or "FSK"
	DatR    DatR         `json:"datr"`              // LoRa datarate identifier (eg. SF12BW500) or FSK datarate (unsigned, in bits per second)
	CodR    string       `json:"codr,omitempty"`    // LoRa ECC coding rate identifier
	RSSI    *int16       `json:"rssi,omitempty"`    // RSSI in dBm (signed integer, 1 dB precision)
	RSSIS   *int16       `json:"rssis,omitempty"`   // RSSI in dBm of the signal (signed integer, 1 dB precision)
	LSNR    *float64     `json:"lsnr,omitempty"`    // Lora SNR ratio in dB (signed float, 0.1 dB precision)
	RSig    []RSig       `json:"rsig,omitempty"`    // Received signal information, per antenna
	Size    uint16       `json:"size"`              // RF packet payload size in bytes (unsigned integer)
	Data    Payload      `json:"data"`              // Base64 encoded RF packet payload, padded
}

// RSig contains the received signal information of a single antenna.
type RSig struct {
	Ant     uint8   `json:"ant"`               // Antenna number on which signal has been received
	Chan    uint8   `json:"chan"`              // Concentrator "IF" channel used for RX (unsigned integer)
	RSSIC   int16   `json:"rssic"`             // RSSI in dBm of the channel (signed integer, 1 dB precision)
	RSSIS   *int16  `json:"rssis,omitempty"`   // RSSI in dBm of the signal (signed integer, 1 dB precision)
	LSNR    float64 `json:"lsnr"`              // Lora SNR ratio in dB (signed float, 0.1 dB precision)
	ETime   string  `json:"etime,omitempty"`   // Encrypted 'main' fine timestamp, ns precision [0..999999999]
	FOff    *int32  `json:"foff,omitempty"`    // Frequency offset in Hz [-125 kHz..+125 khz]
	FTStat  *uint8  `json:"ftstat,omitempty"`  // Fine timestamp status
	FTVer   *uint8  `json:"ftver,omitempty"`   // Version of the 'main' fine timestamp
	FTDelta *int32  `json:"ftdelta,omitempty"` // Number of nanoseconds between the 'main' fts and the 'alternative' one
}

// SNR returns the best LoRa SNR of the packet, taking the per-antenna
// information of the v2 format into account.
func (r RXPK) SNR() float64 {
	if r.LSNR != nil {
		return *r.LSNR
	}
	best := -150.0
	for _, s := range r.RSig {
		if s.LSNR > best {
			best = s.LSNR
		}
	}
	return best
}

// ChannelRSSI returns the best channel RSSI of the packet.
func (r RXPK) ChannelRSSI() int16 {
	if r.RSSI != nil {
		return *r.RSSI
	}
	var best int16 = -150
	for _, s := range r.RSig {
		if s.RSSIC > best {
			best = s.RSSIC
		}
	}
	return best
}
