package forwarder

import (
	"sync"

	"github.com/blaet/gwmp/packets"
)

// DownlinkRequest is a PULL_RESP received from the server.
type DownlinkRequest struct {
	Token uint16
	TXPK  packets.TXPK

	f    *Forwarder
	once sync.Once
}

// Ack confirms the downlink with a TX_ACK without error.
func (r *DownlinkRequest) Ack() error {
	return r.txAck(nil)
}

// Nack rejects the downlink with a TX_ACK carrying the given error code
// (e.g. packets.TXAckTooLate).
func (r *DownlinkRequest) Nack(code string) error {
	return r.txAck(&packets.TXACKPayload{
		TXPKACK: &packets.TXPKACK{Error: code},
	})
}

func (r *DownlinkRequest) txAck(pl *packets.TXACKPayload) error {
	err := ErrAcknowledged
	r.once.Do(func() {
		mac := r.f.config.GatewayMAC
		p := packets.TXACKPacket{
			ProtocolVersion: packets.ProtocolVersion2,
			RandomToken:     r.Token,
			GatewayMAC:      &mac,
			Payload:         pl,
		}
		var b []byte
		b, err = p.MarshalBinary()
		if err != nil {
			return
		}
		err = r.f.send(b)
	})
	return err
}
