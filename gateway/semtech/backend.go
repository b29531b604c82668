package semtech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brocaar/lorawan"
	log "github.com/sirupsen/logrus"

	"github.com/blaet/gwmp/metrics"
	"github.com/blaet/gwmp/packets"
)

type udpPacket struct {
	data []byte
	addr net.Addr
}

// Config holds the timing configuration of the Backend.
type Config struct {
	// TXAckTimeout is the time a downlink waits for its TX_ACK.
	TXAckTimeout time.Duration
	// SessionTimeout is the time after which a silent session is evicted.
	SessionTimeout time.Duration
	// SweepInterval is the interval of the deadline and eviction sweep.
	SweepInterval time.Duration
	// EventQueueSize is the capacity of the event channel. Events that do
	// not fit are dropped.
	EventQueueSize int
}

func (c Config) validate() error {
	switch {
	case c.TXAckTimeout <= 0:
		return errors.New("semtech: tx ack timeout must be > 0")
	case c.SessionTimeout <= 0:
		return errors.New("semtech: session timeout must be > 0")
	case c.SweepInterval <= 0:
		return errors.New("semtech: sweep interval must be > 0")
	case c.EventQueueSize <= 0:
		return errors.New("semtech: event queue size must be > 0")
	}
	return nil
}

// Listen opens an UDP listener on the given bind address and returns a
// Backend serving it.
func Listen(bind string, config Config) (*Backend, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, err
	}
	log.WithField("addr", addr).Info("starting gateway udp listener")
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	b, err := NewBackend(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// NewBackend creates a new Backend serving the given connection. The
// Backend takes ownership of the connection and closes it on Close.
func NewBackend(conn net.PacketConn, config Config) (*Backend, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	b := &Backend{
		conn:     conn,
		config:   config,
		sessions: newSessionTable(),
		events:   make(chan Event, config.EventQueueSize),
		sendChan: make(chan udpPacket),
		closed:   make(chan struct{}),
	}

	b.wg.Add(3)
	go func() {
		if err := b.readPackets(); err != nil {
			log.WithError(err).Error("gateway udp read loop stopped")
		}
		b.wg.Done()
	}()
	go func() {
		b.sendPackets()
		b.wg.Done()
	}()
	go func() {
		b.sweep()
		b.wg.Done()
	}()

	return b, nil
}

// Backend implements the server side of the Semtech UDP protocol. It
// acknowledges PUSH_DATA and PULL_DATA, emits the received data as events
// and sends downlinks, awaiting their TX_ACK.
type Backend struct {
	conn      net.PacketConn
	config    Config
	sessions  *sessionTable
	events    chan Event
	sendChan  chan udpPacket
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Close closes the backend. Pending downlinks resolve with
// correlator.ErrSessionClosed and the event channel is closed.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
		b.wg.Wait()
		b.sessions.close()
		close(b.events)
	})
	return err
}

// Receive returns the event channel. The channel is closed when the
// backend is closed.
func (b *Backend) Receive() <-chan Event {
	return b.events
}

// Addr returns the local address of the backend.
func (b *Backend) Addr() net.Addr {
	return b.conn.LocalAddr()
}

// Gateways returns the active sessions, ordered by address.
func (b *Backend) Gateways() []Gateway {
	return b.sessions.list()
}

// Gateway returns the session for the given address.
func (b *Backend) Gateway(addr string) (Gateway, bool) {
	return b.sessions.get(addr)
}

// SendDownlink sends the given txpk to the gateway at addr and blocks until
// the gateway acknowledged it with a TX_ACK. A nil error means the downlink
// was delivered. Otherwise the error is a *TXAckError when the gateway
// rejected it, correlator.ErrTimeout when no TX_ACK arrived in time,
// correlator.ErrSessionClosed when the session was evicted or ctx.Err()
// when ctx was cancelled. Use OutcomeOf to map it to an Outcome.
func (b *Backend) SendDownlink(ctx context.Context, addr net.Addr, txpk packets.TXPK) error {
	err := b.sendDownlink(ctx, addr, txpk)
	metrics.RequestDone(metrics.Server, "downlink", OutcomeOf(err).String())
	return err
}

// SendDownlinkToGateway sends the given txpk to the address the gateway
// last registered its downlink channel from.
func (b *Backend) SendDownlinkToGateway(ctx context.Context, mac lorawan.EUI64, txpk packets.TXPK) error {
	addr, ok := b.sessions.addrByMAC(mac)
	if !ok {
		metrics.RequestDone(metrics.Server, "downlink", Failed.String())
		return fmt.Errorf("%w: %s", ErrUnknownGateway, mac)
	}
	return b.SendDownlink(ctx, addr, txpk)
}

func (b *Backend) sendDownlink(ctx context.Context, addr net.Addr, txpk packets.TXPK) error {
	now := time.Now()
	dl, err := b.sessions.issue(addr, now, now.Add(b.config.TXAckTimeout))
	if err != nil {
		return err
	}

	p := packets.PullRespPacket{
		ProtocolVersion: dl.version,
		RandomToken:     dl.token,
		Payload: packets.PullRespPayload{
			TXPK: txpk,
		},
	}
	data, err := p.MarshalBinary()
	if err != nil {
		dl.pending.Cancel(dl.token)
		return err
	}
	if err := b.send(addr, data); err != nil {
		dl.pending.Cancel(dl.token)
		return err
	}

	return dl.pending.Wait(ctx, dl.token, dl.done)
}

func (b *Backend) send(addr net.Addr, data []byte) error {
	select {
	case b.sendChan <- udpPacket{addr: addr, data: data}:
		return nil
	case <-b.closed:
		return ErrBackendClosed
	}
}

// emit never blocks: the read loop must keep reading TX_ACKs and the sweep
// must keep expiring deadlines while the consumer lags behind.
func (b *Backend) emit(e Event) {
	select {
	case <-b.closed:
		return
	default:
	}
	select {
	case b.events <- e:
	default:
		log.WithFields(log.Fields{
			"addr": e.Addr,
			"type": e.Type,
		}).Warning("event queue full, dropping event")
		metrics.FrameDropped(metrics.Server, "queue_full")
	}
}

func (b *Backend) readPackets() error {
	buf := make([]byte, 65507) // max udp data size
	for {
		i, addr, err := b.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.WithError(err).Warning("could not read from gateway udp socket")
			continue
		}
		data := make([]byte, i)
		copy(data, buf[:i])
		b.handlePacket(addr, data)
	}
}

func (b *Backend) sendPackets() {
	for {
		select {
		case p := <-b.sendChan:
			pt, _ := packets.GetPacketType(p.data)
			log.WithFields(log.Fields{
				"addr": p.addr,
				"type": pt,
			}).Debug("outgoing gateway packet")

			if _, err := b.conn.WriteTo(p.data, p.addr); err != nil {
				log.WithFields(log.Fields{
					"addr": p.addr,
					"type": pt,
				}).Errorf("could not send packet: %s", err)
				continue
			}
			metrics.FrameSent(metrics.Server, pt.String())
		case <-b.closed:
			return
		}
	}
}

func (b *Backend) sweep() {
	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := b.sessions.expireOverdue(now); n > 0 {
				log.WithField("count", n).Info("downlinks timed out")
			}
			for _, e := range b.sessions.sweep(now, b.config.SessionTimeout) {
				log.WithFields(log.Fields{
					"addr": e.Addr,
					"mac":  e.GatewayMAC,
				}).Info("gateway session evicted")
				b.emit(e)
			}
			metrics.SetSessions(b.sessions.len())
		case <-b.closed:
			return
		}
	}
}

func (b *Backend) handlePacket(addr net.Addr, data []byte) {
	logFields := log.Fields{
		"addr":            addr,
		"udp_data_base64": base64.StdEncoding.EncodeToString(data),
	}

	p, err := packets.Decode(data)
	if err != nil {
		if errors.Is(err, packets.ErrInvalidPayload) {
			log.WithFields(logFields).Warningf("could not decode packet: %s", err)
			metrics.FrameDropped(metrics.Server, "invalid_payload")
			b.emit(Event{Type: InvalidPayload, Addr: addr, Data: data, Err: err})
			return
		}
		log.WithFields(logFields).Debugf("dropping malformed packet: %s", err)
		metrics.FrameDropped(metrics.Server, "malformed")
		return
	}

	log.WithFields(log.Fields{
		"addr":  addr,
		"type":  p.PacketType(),
		"token": p.Token(),
	}).Debug("incoming gateway packet")
	metrics.FrameReceived(metrics.Server, p.PacketType().String())

	switch p := p.(type) {
	case *packets.PushDataPacket:
		err = b.handlePushData(addr, p)
	case *packets.PullDataPacket:
		err = b.handlePullData(addr, p)
	case *packets.TXACKPacket:
		err = b.handleTXACK(addr, p)
	default:
		metrics.FrameDropped(metrics.Server, "unexpected_type")
		log.WithFields(logFields).Warningf("unexpected packet type: %s", p.PacketType())
		return
	}
	if err != nil {
		log.WithFields(logFields).Errorf("could not handle packet: %s", err)
	}
}

func (b *Backend) handlePullData(addr net.Addr, p *packets.PullDataPacket) error {
	events, err := b.sessions.seen(addr, p.GatewayMAC, p.ProtocolVersion, true, time.Now())
	if err != nil {
		return err
	}

	ack := packets.PullACKPacket{
		ProtocolVersion: p.ProtocolVersion,
		RandomToken:     p.RandomToken,
	}
	bytes, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	if err := b.send(addr, bytes); err != nil {
		return err
	}

	for _, e := range events {
		log.WithFields(log.Fields{
			"addr": addr,
			"mac":  e.GatewayMAC,
		}).Infof("gateway %s", e.Type)
		b.emit(e)
	}
	return nil
}

func (b *Backend) handlePushData(addr net.Addr, p *packets.PushDataPacket) error {
	if _, err := b.sessions.seen(addr, p.GatewayMAC, p.ProtocolVersion, false, time.Now()); err != nil {
		return err
	}

	// ack the packet
	ack := packets.PushACKPacket{
		ProtocolVersion: p.ProtocolVersion,
		RandomToken:     p.RandomToken,
	}
	bytes, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	if err := b.send(addr, bytes); err != nil {
		return err
	}

	if len(p.Payload.RXPK) > 0 {
		b.emit(Event{
			Type:       Uplink,
			Addr:       addr,
			GatewayMAC: p.GatewayMAC,
			Token:      p.RandomToken,
			RXPK:       p.Payload.RXPK,
		})
	}
	if p.Payload.Stat != nil {
		b.sessions.setStat(addr, p.Payload.Stat)
		b.emit(Event{
			Type:       StatReceived,
			Addr:       addr,
			GatewayMAC: p.GatewayMAC,
			Token:      p.RandomToken,
			Stat:       p.Payload.Stat,
		})
	}
	return nil
}

func (b *Backend) handleTXACK(addr net.Addr, p *packets.TXACKPacket) error {
	now := time.Now()
	if p.GatewayMAC != nil {
		if _, err := b.sessions.seen(addr, *p.GatewayMAC, p.ProtocolVersion, false, now); err != nil {
			return err
		}
	} else if _, _, err := b.sessions.getOrCreate(addr, now); err != nil {
		return err
	}

	var ackErr error
	if code := p.Error(); code != "" {
		ackErr = &TXAckError{Code: code}
	}
	if p.Payload != nil && p.Payload.TXPKACK != nil && p.Payload.TXPKACK.Warn != "" {
		log.WithFields(log.Fields{
			"addr":  addr,
			"token": p.RandomToken,
			"warn":  p.Payload.TXPKACK.Warn,
		}).Warning("downlink parameter adjusted by gateway")
	}

	if !b.sessions.resolve(addr, p.RandomToken, ackErr) {
		log.WithFields(log.Fields{
			"addr":  addr,
			"token": p.RandomToken,
		}).Debug("dropping unsolicited TXACK")
		metrics.FrameDropped(metrics.Server, "unsolicited")
	}
	return nil
}
