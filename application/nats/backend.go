// Package nats implements a NATS application backend.
package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brocaar/lorawan"
	n "github.com/nats-io/nats.go"

	"github.com/blaet/gwmp/gateway/semtech"
	"github.com/blaet/gwmp/packets"
)

// Publisher is the part of *nats.Conn used by the Backend.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Backend publishes every uplink event on the gateway.<mac>.rx subject.
type Backend struct {
	pub  Publisher
	conn *n.Conn
}

// NewBackend creates a new Backend publishing with the given Publisher.
func NewBackend(pub Publisher) *Backend {
	return &Backend{pub: pub}
}

// Connect connects to the given NATS server and returns a Backend using
// that connection.
func Connect(url string) (*Backend, error) {
	nc, err := n.Connect(url,
		n.Name("gwmp-server"),
		n.MaxReconnects(-1),
		n.ReconnectWait(time.Second*2),
	)
	if err != nil {
		return nil, fmt.Errorf("application/nats: connect error: %w", err)
	}
	return &Backend{pub: nc, conn: nc}, nil
}

// RXPayload is the message published for each uplink event.
type RXPayload struct {
	GatewayID lorawan.EUI64  `json:"gatewayID"`
	Addr      string         `json:"addr"`
	Token     uint16         `json:"token"`
	RXPK      []packets.RXPK `json:"rxpk"`
	Timestamp int64          `json:"timestamp"`
}

// Subject returns the subject uplinks of the given gateway are published on.
func Subject(mac lorawan.EUI64) string {
	return fmt.Sprintf("gateway.%s.rx", mac)
}

// Send publishes the given uplink event.
func (b *Backend) Send(e semtech.Event) error {
	if e.Type != semtech.Uplink {
		return fmt.Errorf("application/nats: expected Uplink event, got: %s", e.Type)
	}
	if len(e.RXPK) == 0 {
		return errors.New("application/nats: rxpk should have length > 0")
	}

	pl := RXPayload{
		GatewayID: e.GatewayMAC,
		Token:     e.Token,
		RXPK:      e.RXPK,
		Timestamp: time.Now().UnixMilli(),
	}
	if e.Addr != nil {
		pl.Addr = e.Addr.String()
	}
	data, err := json.Marshal(&pl)
	if err != nil {
		return err
	}
	if err := b.pub.Publish(Subject(e.GatewayMAC), data); err != nil {
		return fmt.Errorf("application/nats: publish error: %w", err)
	}
	return nil
}

// Close drains the connection when the Backend owns one.
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}
