// Package forwarder implements the gateway side of the Semtech UDP protocol:
// it keeps the downlink channel registered with PULL_DATA keepalives, sends
// uplinks as PUSH_DATA and hands PULL_RESP downlinks to its consumer.
package forwarder

import (
	"context"
	"encoding"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brocaar/lorawan"
	log "github.com/sirupsen/logrus"

	"github.com/blaet/gwmp/correlator"
	"github.com/blaet/gwmp/metrics"
	"github.com/blaet/gwmp/packets"
)

// Errors
var (
	ErrUplinkFailed = errors.New("forwarder: uplink not acknowledged")
	ErrClosed       = errors.New("forwarder: closed")
	ErrAcknowledged = errors.New("forwarder: downlink already acknowledged")
)

// State defines the keepalive state of the Forwarder.
type State int

// Available states.
const (
	Idle State = iota
	Running
	Degraded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Degraded:
		return "Degraded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the configuration of the Forwarder.
type Config struct {
	// GatewayMAC is the EUI sent in every PUSH_DATA, PULL_DATA and TX_ACK.
	GatewayMAC lorawan.EUI64
	// KeepaliveInterval is the interval between two PULL_DATA packets.
	KeepaliveInterval time.Duration
	// AckTimeout is the time a PUSH_DATA or PULL_DATA waits for its ACK.
	AckTimeout time.Duration
	// MissThreshold is the number of consecutive keepalive misses after
	// which a reconnect is signalled.
	MissThreshold int
	// UplinkRetries is the number of retries of an unacknowledged uplink.
	UplinkRetries int
	// SweepInterval is the interval of the ACK deadline sweep.
	SweepInterval time.Duration
	// EventQueueSize is the capacity of the downlink channel. Downlinks
	// that do not fit are rejected with a COLLISION_PACKET TX_ACK.
	EventQueueSize int
}

func (c Config) validate() error {
	switch {
	case c.KeepaliveInterval <= 0:
		return errors.New("forwarder: keepalive interval must be > 0")
	case c.AckTimeout <= 0:
		return errors.New("forwarder: ack timeout must be > 0")
	case c.MissThreshold <= 0:
		return errors.New("forwarder: miss threshold must be > 0")
	case c.UplinkRetries < 0:
		return errors.New("forwarder: uplink retries must be >= 0")
	case c.SweepInterval <= 0:
		return errors.New("forwarder: sweep interval must be > 0")
	case c.EventQueueSize <= 0:
		return errors.New("forwarder: event queue size must be > 0")
	}
	return nil
}

// Forwarder implements the gateway side of the Semtech UDP protocol for a
// single server address.
type Forwarder struct {
	conn      net.PacketConn
	server    net.Addr
	config    Config
	pushes    *correlator.Correlator // PUSH_DATA awaiting PUSH_ACK
	pulls     *correlator.Correlator // PULL_DATA awaiting PULL_ACK
	downlinks chan *DownlinkRequest
	reconnect chan struct{}

	mu     sync.RWMutex
	state  State
	misses int

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens an UDP socket on a random local port and returns a Forwarder
// exchanging packets with the given server address.
func Dial(server string, config Config) (*Forwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	f, err := New(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return f, nil
}

// New creates a new Forwarder using the given connection. The Forwarder
// takes ownership of the connection and closes it on Close.
func New(conn net.PacketConn, server net.Addr, config Config) (*Forwarder, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		conn:      conn,
		server:    server,
		config:    config,
		pushes:    correlator.New(),
		pulls:     correlator.New(),
		downlinks: make(chan *DownlinkRequest, config.EventQueueSize),
		reconnect: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}

	log.WithFields(log.Fields{
		"server": server,
		"mac":    config.GatewayMAC,
	}).Info("starting packet forwarder")

	f.wg.Add(3)
	go func() {
		if err := f.readPackets(); err != nil {
			log.WithError(err).Error("forwarder udp read loop stopped")
		}
		f.wg.Done()
	}()
	go func() {
		f.keepalive()
		f.wg.Done()
	}()
	go func() {
		f.sweep()
		f.wg.Done()
	}()

	return f, nil
}

// Close stops the Forwarder. In-flight uplinks fail with ErrClosed and the
// downlink channel is closed.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		close(f.closed)
		err = f.conn.Close()
		f.wg.Wait()
		f.pushes.Close(ErrClosed)
		f.pulls.Close(ErrClosed)
		close(f.downlinks)
	})
	return err
}

// Receive returns the channel of received downlinks. Every downlink must be
// answered with Ack or Nack.
func (f *Forwarder) Receive() <-chan *DownlinkRequest {
	return f.downlinks
}

// ReconnectNeeded is signalled when the number of consecutive keepalive
// misses reaches the configured threshold. Reconnecting is up to the owner.
func (f *Forwarder) ReconnectNeeded() <-chan struct{} {
	return f.reconnect
}

// State returns the keepalive state.
func (f *Forwarder) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Misses returns the number of consecutive keepalive misses.
func (f *Forwarder) Misses() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.misses
}

// SendUplink sends the given rxpk objects as PUSH_DATA and waits for the
// PUSH_ACK. Every retry uses a new token. It returns the number of attempts.
func (f *Forwarder) SendUplink(ctx context.Context, rxpk []packets.RXPK) (int, error) {
	return f.sendPushData(ctx, "uplink", packets.PushDataPayload{RXPK: rxpk})
}

// SendStat sends the given gateway statistics as PUSH_DATA and waits for
// the PUSH_ACK, retrying like SendUplink.
func (f *Forwarder) SendStat(ctx context.Context, stat packets.Stat) (int, error) {
	return f.sendPushData(ctx, "stat", packets.PushDataPayload{Stat: &stat})
}

func (f *Forwarder) sendPushData(ctx context.Context, request string, pl packets.PushDataPayload) (int, error) {
	attempts := f.config.UplinkRetries + 1
	for i := 1; i <= attempts; i++ {
		err := f.request(ctx, f.pushes, func(token uint16) encoding.BinaryMarshaler {
			return packets.PushDataPacket{
				ProtocolVersion: packets.ProtocolVersion2,
				RandomToken:     token,
				GatewayMAC:      f.config.GatewayMAC,
				Payload:         pl,
			}
		})
		switch {
		case err == nil:
			metrics.RequestDone(metrics.Forwarder, request, "delivered")
			return i, nil
		case errors.Is(err, correlator.ErrTimeout):
			log.WithFields(log.Fields{
				"server":  f.server,
				"attempt": i,
			}).Warningf("%s not acknowledged", request)
		default:
			metrics.RequestDone(metrics.Forwarder, request, "failed")
			return i, err
		}
	}
	metrics.RequestDone(metrics.Forwarder, request, "failed")
	return attempts, fmt.Errorf("%w after %d attempts", ErrUplinkFailed, attempts)
}

// request issues a token in the given correlator, sends the packet built
// for it and waits for its acknowledgment.
func (f *Forwarder) request(ctx context.Context, pending *correlator.Correlator, build func(token uint16) encoding.BinaryMarshaler) error {
	token, done, err := pending.Issue(time.Now().Add(f.config.AckTimeout))
	if err != nil {
		return err
	}
	data, err := build(token).MarshalBinary()
	if err != nil {
		pending.Cancel(token)
		return err
	}
	if err := f.send(data); err != nil {
		pending.Cancel(token)
		return err
	}
	return pending.Wait(ctx, token, done)
}

func (f *Forwarder) send(data []byte) error {
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}

	pt, _ := packets.GetPacketType(data)
	log.WithFields(log.Fields{
		"addr": f.server,
		"type": pt,
	}).Debug("outgoing packet")

	if _, err := f.conn.WriteTo(data, f.server); err != nil {
		return err
	}
	metrics.FrameSent(metrics.Forwarder, pt.String())
	return nil
}

func (f *Forwarder) keepalive() {
	ticker := time.NewTicker(f.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		f.pullData()
		select {
		case <-ticker.C:
		case <-f.closed:
			return
		}
	}
}

func (f *Forwarder) pullData() {
	err := f.request(f.ctx, f.pulls, func(token uint16) encoding.BinaryMarshaler {
		return packets.PullDataPacket{
			ProtocolVersion: packets.ProtocolVersion2,
			RandomToken:     token,
			GatewayMAC:      f.config.GatewayMAC,
		}
	})

	switch {
	case err == nil:
		metrics.RequestDone(metrics.Forwarder, "keepalive", "delivered")
		f.mu.Lock()
		f.state = Running
		f.misses = 0
		f.mu.Unlock()
	case errors.Is(err, correlator.ErrTimeout):
		metrics.RequestDone(metrics.Forwarder, "keepalive", "timed_out")
		f.mu.Lock()
		f.state = Degraded
		f.misses++
		misses := f.misses
		f.mu.Unlock()

		log.WithFields(log.Fields{
			"server": f.server,
			"misses": misses,
		}).Warning("keepalive not acknowledged")

		if misses >= f.config.MissThreshold {
			select {
			case f.reconnect <- struct{}{}:
			default:
			}
		}
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
	default:
		log.WithError(err).Error("could not send keepalive")
	}
}

func (f *Forwarder) sweep() {
	ticker := time.NewTicker(f.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			f.pushes.ExpireOverdue(now)
			f.pulls.ExpireOverdue(now)
		case <-f.closed:
			return
		}
	}
}

func (f *Forwarder) readPackets() error {
	buf := make([]byte, 65507) // max udp data size
	for {
		i, addr, err := f.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-f.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.WithError(err).Warning("could not read from forwarder udp socket")
			continue
		}
		data := make([]byte, i)
		copy(data, buf[:i])
		f.handlePacket(addr, data)
	}
}

func (f *Forwarder) handlePacket(addr net.Addr, data []byte) {
	logFields := log.Fields{
		"addr":            addr,
		"udp_data_base64": base64.StdEncoding.EncodeToString(data),
	}

	if addr.String() != f.server.String() {
		log.WithFields(logFields).Debug("dropping packet from unknown peer")
		metrics.FrameDropped(metrics.Forwarder, "unknown_peer")
		return
	}

	p, err := packets.Decode(data)
	if err != nil {
		log.WithFields(logFields).Warningf("could not decode packet: %s", err)
		if errors.Is(err, packets.ErrInvalidPayload) {
			metrics.FrameDropped(metrics.Forwarder, "invalid_payload")
		} else {
			metrics.FrameDropped(metrics.Forwarder, "malformed")
		}
		return
	}

	log.WithFields(log.Fields{
		"addr":  addr,
		"type":  p.PacketType(),
		"token": p.Token(),
	}).Debug("incoming packet")
	metrics.FrameReceived(metrics.Forwarder, p.PacketType().String())

	switch p := p.(type) {
	case *packets.PushACKPacket:
		if !f.pushes.Resolve(p.RandomToken, nil) {
			log.WithFields(logFields).Debug("dropping unsolicited PUSH_ACK")
			metrics.FrameDropped(metrics.Forwarder, "unsolicited")
		}
	case *packets.PullACKPacket:
		if !f.pulls.Resolve(p.RandomToken, nil) {
			log.WithFields(logFields).Debug("dropping unsolicited PULL_ACK")
			metrics.FrameDropped(metrics.Forwarder, "unsolicited")
		}
	case *packets.PullRespPacket:
		req := &DownlinkRequest{
			Token: p.RandomToken,
			TXPK:  p.Payload.TXPK,
			f:     f,
		}
		// the read loop must not wait for the consumer, ACKs would be
		// missed meanwhile
		select {
		case f.downlinks <- req:
		default:
			log.WithFields(logFields).Warning("downlink queue full, rejecting downlink")
			metrics.FrameDropped(metrics.Forwarder, "queue_full")
			if err := req.Nack(packets.TXAckCollisionPacket); err != nil {
				log.WithFields(logFields).Errorf("could not reject downlink: %s", err)
			}
		}
	default:
		log.WithFields(logFields).Warningf("unexpected packet type: %s", p.PacketType())
		metrics.FrameDropped(metrics.Forwarder, "unexpected_type")
	}
}
