package semtech

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/brocaar/lorawan"

	"github.com/blaet/gwmp/correlator"
	"github.com/blaet/gwmp/packets"
)

// Gateway is a snapshot of a gateway session.
type Gateway struct {
	Addr            string         `json:"addr"`
	MAC             *lorawan.EUI64 `json:"mac,omitempty"`
	ProtocolVersion uint8          `json:"protocolVersion"`
	FirstSeen       time.Time      `json:"firstSeen"`
	LastSeen        time.Time      `json:"lastSeen"`
	PendingACKs     int            `json:"pendingACKs"`
	Stat            *packets.Stat  `json:"stat,omitempty"`
}

// session holds the state of a single peer address. The correlator tracks
// the downlinks issued to the peer that are awaiting a TX_ACK.
type session struct {
	addr      net.Addr
	mac       *lorawan.EUI64
	version   uint8
	firstSeen time.Time
	lastSeen  time.Time
	stat      *packets.Stat
	pending   *correlator.Correlator
}

func (s *session) gateway() Gateway {
	return Gateway{
		Addr:            s.addr.String(),
		MAC:             s.mac,
		ProtocolVersion: s.version,
		FirstSeen:       s.firstSeen,
		LastSeen:        s.lastSeen,
		PendingACKs:     s.pending.Len(),
		Stat:            s.stat,
	}
}

// sessionTable maps peer addresses to sessions. The macs index maps a
// gateway EUI to the address it last sent PULL_DATA from, which is the
// address downlinks for that gateway are sent to.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
	macs     map[lorawan.EUI64]string
	closed   bool
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*session),
		macs:     make(map[lorawan.EUI64]string),
	}
}

// getOrCreate returns the session for the given address, creating it when
// needed, and refreshes its last-seen timestamp. The second return value is
// true when the session was created.
func (t *sessionTable) getOrCreate(addr net.Addr, now time.Time) (*session, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreateLocked(addr, now)
}

func (t *sessionTable) getOrCreateLocked(addr net.Addr, now time.Time) (*session, bool, error) {
	if t.closed {
		return nil, false, ErrBackendClosed
	}
	if s, ok := t.sessions[addr.String()]; ok {
		s.lastSeen = now
		return s, false, nil
	}
	s := &session{
		addr:      addr,
		version:   packets.ProtocolVersion2,
		firstSeen: now,
		lastSeen:  now,
		pending:   correlator.New(),
	}
	t.sessions[addr.String()] = s
	return s, true, nil
}

// seen refreshes the session for the given address and records the gateway
// EUI and protocol version carried by the received frame. When pull is true
// the frame registers the downlink channel of the gateway and the EUI index
// is updated; the returned events describe the resulting identity changes.
func (t *sessionTable) seen(addr net.Addr, mac lorawan.EUI64, version uint8, pull bool, now time.Time) ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, _, err := t.getOrCreateLocked(addr, now)
	if err != nil {
		return nil, err
	}
	s.version = version
	gwMAC := mac
	s.mac = &gwMAC

	if !pull {
		return nil, nil
	}

	key := addr.String()
	prev, ok := t.macs[mac]
	switch {
	case !ok:
		t.macs[mac] = key
		return []Event{{Type: NewGateway, Addr: addr, GatewayMAC: mac}}, nil
	case prev != key:
		t.macs[mac] = key
		return []Event{{Type: GatewayAddrUpdated, Addr: addr, GatewayMAC: mac}}, nil
	}
	return nil, nil
}

func (t *sessionTable) setStat(addr net.Addr, stat *packets.Stat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[addr.String()]; ok {
		s.stat = stat
	}
}

// downlink is a downlink registered as pending within a session.
type downlink struct {
	pending *correlator.Correlator
	version uint8
	token   uint16
	done    <-chan error
}

// issue registers a pending downlink for the given address. The session
// is created when it does not exist yet.
func (t *sessionTable) issue(addr net.Addr, now, deadline time.Time) (downlink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, _, err := t.getOrCreateLocked(addr, now)
	if err != nil {
		return downlink{}, err
	}
	token, done, err := s.pending.Issue(deadline)
	if err != nil {
		return downlink{}, err
	}
	return downlink{pending: s.pending, version: s.version, token: token, done: done}, nil
}

// resolve resolves the pending downlink with the given token for the given
// address. It returns false for unsolicited acknowledgments.
func (t *sessionTable) resolve(addr net.Addr, token uint16, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[addr.String()]
	if !ok {
		return false
	}
	return s.pending.Resolve(token, err)
}

func (t *sessionTable) addrByMAC(mac lorawan.EUI64) (net.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.macs[mac]
	if !ok {
		return nil, false
	}
	s, ok := t.sessions[key]
	if !ok {
		return nil, false
	}
	return s.addr, true
}

// expireOverdue times out the overdue downlinks of all sessions.
func (t *sessionTable) expireOverdue(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	for _, s := range t.sessions {
		n += s.pending.ExpireOverdue(now)
	}
	return n
}

// sweep evicts the sessions that have not been seen for longer than
// timeout. The pending downlinks of an evicted session resolve with
// correlator.ErrSessionClosed. A GatewayDisconnected event is returned for
// every evicted session that was registered as downlink channel.
func (t *sessionTable) sweep(now time.Time, timeout time.Duration) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []Event
	for key, s := range t.sessions {
		if now.Sub(s.lastSeen) <= timeout {
			continue
		}
		delete(t.sessions, key)
		s.pending.Close(correlator.ErrSessionClosed)

		if s.mac != nil && t.macs[*s.mac] == key {
			delete(t.macs, *s.mac)
			events = append(events, Event{Type: GatewayDisconnected, Addr: s.addr, GatewayMAC: *s.mac})
		}
	}
	return events
}

// close resolves the pending downlinks of all sessions and refuses new
// sessions from now on.
func (t *sessionTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for _, s := range t.sessions {
		s.pending.Close(correlator.ErrSessionClosed)
	}
}

func (t *sessionTable) get(addr string) (Gateway, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[addr]
	if !ok {
		return Gateway{}, false
	}
	return s.gateway(), true
}

func (t *sessionTable) list() []Gateway {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Gateway, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.gateway())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
