// Package http implements a HTTP application backend.
package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	h "net/http"
	"time"

	"github.com/brocaar/lorawan"

	"github.com/blaet/gwmp/gateway/semtech"
	"github.com/blaet/gwmp/packets"
)

// Backend implements a HTTP application backend.
// It posts every uplink event as JSON to the configured callback URL. E.g.
//
//	b := http.NewBackend("http://example.com/handler")
//	for e := range backend.Receive() {
//		if e.Type == semtech.Uplink {
//			b.Send(e)
//		}
//	}
type Backend struct {
	callbackURL string
	client      *h.Client
}

// NewBackend creates a new Backend posting to the given callback URL.
func NewBackend(callbackURL string) *Backend {
	return &Backend{
		callbackURL: callbackURL,
		client:      &h.Client{Timeout: time.Second * 10},
	}
}

// RXPayload is the payload sent to the application backend.
type RXPayload struct {
	GatewayMAC lorawan.EUI64  `json:"gatewayMAC"`
	Addr       string         `json:"addr"`
	Token      uint16         `json:"token"`
	RXPK       []packets.RXPK `json:"rxpk"`
}

// Send sends the rxpk objects of the given uplink event as one payload to
// the application handler.
func (b *Backend) Send(e semtech.Event) error {
	if e.Type != semtech.Uplink {
		return fmt.Errorf("application/http: expected Uplink event, got: %s", e.Type)
	}
	if len(e.RXPK) == 0 {
		return errors.New("application/http: rxpk should have length > 0")
	}

	pl := RXPayload{
		GatewayMAC: e.GatewayMAC,
		Token:      e.Token,
		RXPK:       e.RXPK,
	}
	if e.Addr != nil {
		pl.Addr = e.Addr.String()
	}
	data, err := json.Marshal(&pl)
	if err != nil {
		return err
	}

	resp, err := b.client.Post(b.callbackURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != h.StatusOK && resp.StatusCode != h.StatusCreated {
		return fmt.Errorf("application/http: expected 200 or 201 response code, got: %d", resp.StatusCode)
	}
	return nil
}
