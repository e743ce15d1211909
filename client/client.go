// Package client implements the DHCP client state machine: address
// acquisition (DISCOVER, OFFER, REQUEST, ACK) and lease maintenance
// (renewal at T1, rebinding at T2).
//
// The state machine is pure with respect to time and I/O. It is driven by
// three inputs, Start, Receive and Tick, and answers each with at most one
// message to transmit; it never blocks, sleeps or reads a socket itself.
// The driving loop supplies the current time, delivers received packets,
// and calls Tick whenever Deadline passes. Randomness comes from an
// injected source so tests are deterministic.
package client

import (
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/metal-stack/microdhcp/dhcp4"
)

// State identifies the current position in the RFC 2131 client state
// machine. Exactly one state is active at a time.
type State int

const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
	StateInitReboot
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSelecting:
		return "Selecting"
	case StateRequesting:
		return "Requesting"
	case StateBound:
		return "Bound"
	case StateRenewing:
		return "Renewing"
	case StateRebinding:
		return "Rebinding"
	case StateInitReboot:
		return "InitReboot"
	}
	return "<invalid state>"
}

// Config carries the client's tunables. The zero value of every field has
// a usable default.
type Config struct {
	// OfferWait is how long to keep collecting offers after the first one
	// arrives before committing to a REQUEST. Zero means the first offer
	// wins.
	OfferWait time.Duration

	// InitialTimeout is the first retransmission timeout; it doubles on
	// every retry up to MaxTimeout. Defaults: 4s and 64s.
	InitialTimeout time.Duration
	MaxTimeout     time.Duration

	// RequestRetries is how many REQUESTs to send before giving up on an
	// offer and restarting from Init. Default 4.
	RequestRetries int

	// RestartDelay is the pause before restarting after a NAK. Default 10s.
	RestartDelay time.Duration

	// FallbackLeaseTime applies when an ACK carries no lease-time option.
	// Default 2h.
	FallbackLeaseTime time.Duration

	// MinRenewTimeout floors the retransmission interval while renewing
	// and rebinding. Default 60s.
	MinRenewTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.InitialTimeout == 0 {
		cfg.InitialTimeout = 4 * time.Second
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = 64 * time.Second
	}
	if cfg.RequestRetries == 0 {
		cfg.RequestRetries = 4
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 10 * time.Second
	}
	if cfg.FallbackLeaseTime == 0 {
		cfg.FallbackLeaseTime = 2 * time.Hour
	}
	if cfg.MinRenewTimeout == 0 {
		cfg.MinRenewTimeout = 60 * time.Second
	}
	return cfg
}

// Transmit is the outward half of a state transition: one message and
// where to send it. The Packet aliases the client's scratch buffers and
// must be encoded before the next call into the client.
type Transmit struct {
	Packet *dhcp4.Packet
	// Server is the unicast destination. The zero Addr means broadcast.
	Server netip.Addr
}

// Client is a single-interface DHCP client state machine. It is intended
// to be driven by exactly one loop and is not safe for concurrent use.
type Client struct {
	cfg Config
	mac net.HardwareAddr
	rnd *rand.Rand

	state    State
	xid      uint32
	started  time.Time // start of the current acquisition attempt, for secs
	timeout  time.Duration
	deadline time.Time
	retries  int

	// candidate offer while in Selecting/Requesting
	offerAddr    netip.Addr
	offerServer  netip.Addr
	offerFound   bool
	selectingEnd time.Time

	lease    Lease
	hasLease bool

	// scratch space reused for every outbound packet
	pkt    dhcp4.Packet
	opts   []dhcp4.Option
	mtVal  [1]byte
	ripVal [4]byte
	sidVal [4]byte
}

var paramRequestList = []byte{dhcp4.OptSubnetMask, dhcp4.OptRouter, dhcp4.OptDNSServer}

// New creates a client for the given hardware address. rnd provides
// transaction ids and retransmission jitter; hand it a fixed-seed source
// in tests.
func New(mac net.HardwareAddr, cfg Config, rnd *rand.Rand) *Client {
	return &Client{
		cfg:  cfg.withDefaults(),
		mac:  mac,
		rnd:  rnd,
		opts: make([]dhcp4.Option, 0, 8),
	}
}

// State returns the current state.
func (c *Client) State() State {
	return c.state
}

// Lease returns the current lease while the client is in Bound, Renewing
// or Rebinding.
func (c *Client) Lease() (Lease, bool) {
	return c.lease, c.hasLease
}

// Deadline returns when the next timer fires. The driving loop must call
// Tick no earlier than, but reasonably soon after, this instant. A zero
// deadline means no timer is armed.
func (c *Client) Deadline() time.Time {
	return c.deadline
}

// Start begins address acquisition and returns the initial DISCOVER
// broadcast.
func (c *Client) Start(now time.Time) Transmit {
	return c.restart(now)
}

// StartReboot begins reacquisition of a previously held lease (the
// INIT-REBOOT path): the client broadcasts a REQUEST for its old address
// instead of discovering from scratch.
func (c *Client) StartReboot(now time.Time, lease Lease) Transmit {
	c.lease = lease
	c.hasLease = false
	c.offerAddr = lease.Addr
	c.offerServer = lease.ServerID
	c.offerFound = true
	c.state = StateInitReboot
	c.xid = c.rnd.Uint32()
	c.started = now
	c.retries = 0
	c.timeout = c.cfg.InitialTimeout
	c.arm(now)
	return Transmit{Packet: c.requestPacket(now)}
}

// restart wipes all acquisition state and broadcasts a fresh DISCOVER
// under a new xid.
func (c *Client) restart(now time.Time) Transmit {
	c.state = StateSelecting
	c.xid = c.rnd.Uint32()
	c.started = now
	c.retries = 0
	c.timeout = c.cfg.InitialTimeout
	c.offerFound = false
	c.hasLease = false
	c.selectingEnd = time.Time{}
	c.arm(now)
	return Transmit{Packet: c.discoverPacket(now)}
}

// Receive feeds one decoded packet into the state machine. Packets that
// are not replies to us are silently discarded; ok reports whether the
// returned Transmit carries a message to send.
func (c *Client) Receive(now time.Time, pkt *dhcp4.Packet) (tx Transmit, ok bool) {
	if !c.isForUs(pkt) {
		return Transmit{}, false
	}

	switch pkt.Type() {
	case dhcp4.MsgOffer:
		return c.offerReceived(now, pkt)
	case dhcp4.MsgAck:
		return c.ackReceived(now, pkt)
	case dhcp4.MsgNak:
		c.nakReceived(now)
		return Transmit{}, false
	}
	return Transmit{}, false
}

// Tick advances the state machine to now, firing whichever timer is due.
// It must be called whenever Deadline has passed; calling it early is
// harmless.
func (c *Client) Tick(now time.Time) (tx Transmit, ok bool) {
	if c.deadline.IsZero() || now.Before(c.deadline) {
		return Transmit{}, false
	}

	switch c.state {
	case StateInit:
		return c.restart(now), true

	case StateSelecting:
		if c.offerFound && !now.Before(c.selectingEnd) {
			return c.sendRequest(now), true
		}
		// no usable offer yet, re-broadcast DISCOVER and back off
		c.backoff(now)
		return Transmit{Packet: c.discoverPacket(now)}, true

	case StateRequesting, StateInitReboot:
		c.retries++
		if c.retries >= c.cfg.RequestRetries {
			return c.restart(now), true
		}
		c.backoff(now)
		return Transmit{Packet: c.requestPacket(now)}, true

	case StateBound:
		// T1: renew by unicast to the server that granted the lease
		c.state = StateRenewing
		c.armRenew(now, c.lease.RebindAt())
		return Transmit{Packet: c.renewPacket(now), Server: c.lease.ServerID}, true

	case StateRenewing:
		if !now.Before(c.lease.RebindAt()) {
			// T2: give up on our server, ask anyone
			c.state = StateRebinding
			c.armRenew(now, c.lease.ExpiresAt())
			return Transmit{Packet: c.renewPacket(now)}, true
		}
		c.armRenew(now, c.lease.RebindAt())
		return Transmit{Packet: c.renewPacket(now), Server: c.lease.ServerID}, true

	case StateRebinding:
		if !now.Before(c.lease.ExpiresAt()) {
			// lease is gone, drop the address and start over
			return c.restart(now), true
		}
		c.armRenew(now, c.lease.ExpiresAt())
		return Transmit{Packet: c.renewPacket(now)}, true
	}
	return Transmit{}, false
}

// Release produces a RELEASE for the current lease and forgets it. The
// caller unicasts the message to the returned server address.
func (c *Client) Release(now time.Time) (tx Transmit, ok bool) {
	if !c.hasLease {
		return Transmit{}, false
	}
	lease := c.lease
	c.state = StateInit
	c.hasLease = false
	c.deadline = time.Time{}
	p := c.messagePacket(dhcp4.MsgRelease, now, lease.Addr)
	return Transmit{Packet: p, Server: lease.ServerID}, true
}

// Decline tells the server the leased address is already in use (for
// example, ARP said so) and restarts acquisition after a delay.
func (c *Client) Decline(now time.Time) (tx Transmit, ok bool) {
	if !c.hasLease {
		return Transmit{}, false
	}
	lease := c.lease
	c.state = StateInit
	c.hasLease = false
	c.deadline = now.Add(c.cfg.RestartDelay)
	p := c.messagePacket(dhcp4.MsgDecline, now, lease.Addr)
	return Transmit{Packet: p, Server: lease.ServerID}, true
}

func (c *Client) offerReceived(now time.Time, pkt *dhcp4.Packet) (Transmit, bool) {
	if c.state != StateSelecting {
		return Transmit{}, false
	}
	server, ok := pkt.Options.Addr(dhcp4.OptServerIdentifier)
	if !ok || !pkt.YourAddr.IsValid() || pkt.YourAddr.IsUnspecified() {
		return Transmit{}, false
	}
	if !c.offerFound {
		// first offer decides when Selecting ends
		c.offerAddr = pkt.YourAddr
		c.offerServer = server
		c.offerFound = true
		c.selectingEnd = now.Add(c.cfg.OfferWait)
		if c.cfg.OfferWait == 0 {
			return c.sendRequest(now), true
		}
		if c.selectingEnd.Before(c.deadline) {
			c.deadline = c.selectingEnd
		}
	}
	return Transmit{}, false
}

func (c *Client) ackReceived(now time.Time, pkt *dhcp4.Packet) (Transmit, bool) {
	switch c.state {
	case StateRequesting, StateInitReboot:
		if pkt.YourAddr != c.offerAddr {
			return Transmit{}, false
		}
	case StateRenewing, StateRebinding:
	default:
		return Transmit{}, false
	}

	c.lease = leaseFromAck(pkt, now, c.cfg.FallbackLeaseTime)
	if !c.lease.ServerID.IsValid() {
		c.lease.ServerID = c.offerServer
	}
	c.hasLease = true
	c.state = StateBound
	c.deadline = c.lease.RenewAt()
	return Transmit{}, false
}

func (c *Client) nakReceived(now time.Time) {
	c.state = StateInit
	c.hasLease = false
	c.offerFound = false
	c.deadline = now.Add(c.cfg.RestartDelay)
}

func (c *Client) sendRequest(now time.Time) Transmit {
	c.state = StateRequesting
	c.retries = 0
	c.timeout = c.cfg.InitialTimeout
	c.arm(now)
	return Transmit{Packet: c.requestPacket(now)}
}

// isForUs clones the original reply filter: the packet must be a reply
// under our current xid, addressed to our hardware address. Anything else
// is discarded without being an error.
func (c *Client) isForUs(pkt *dhcp4.Packet) bool {
	if !pkt.Reply || pkt.XID != c.xid {
		return false
	}
	if int(pkt.HLen) != len(c.mac) {
		return false
	}
	for i, b := range c.mac {
		if pkt.CHAddr[i] != b {
			return false
		}
	}
	return true
}

// arm sets the retransmission deadline to now + current timeout, with up
// to a second of jitter so colliding clients spread out.
func (c *Client) arm(now time.Time) {
	c.deadline = now.Add(c.timeout + c.jitter())
}

// backoff doubles the retransmission timeout up to the cap and rearms.
func (c *Client) backoff(now time.Time) {
	c.timeout *= 2
	if c.timeout > c.cfg.MaxTimeout {
		c.timeout = c.cfg.MaxTimeout
	}
	c.arm(now)
}

// armRenew arms the renewal retransmission timer: half the time remaining
// until limit, floored at MinRenewTimeout, never past limit.
func (c *Client) armRenew(now time.Time, limit time.Time) {
	next := limit.Sub(now) / 2
	if next < c.cfg.MinRenewTimeout {
		next = c.cfg.MinRenewTimeout
	}
	c.deadline = now.Add(next)
	if c.deadline.After(limit) {
		c.deadline = limit
	}
}

func (c *Client) jitter() time.Duration {
	return time.Duration(c.rnd.Int63n(int64(time.Second)))
}

func (c *Client) secs(now time.Time) uint16 {
	s := now.Sub(c.started) / time.Second
	if s > 0xffff {
		s = 0xffff
	}
	return uint16(s)
}

func (c *Client) discoverPacket(now time.Time) *dhcp4.Packet {
	c.mtVal[0] = byte(dhcp4.MsgDiscover)
	opts := append(c.opts[:0],
		dhcp4.Option{Code: dhcp4.OptMessageType, Value: c.mtVal[:]},
		dhcp4.Option{Code: dhcp4.OptParameterRequest, Value: paramRequestList},
	)
	c.pkt = *dhcp4.NewRequest(c.mac, c.xid, c.secs(now), netip.Addr{}, opts)
	return &c.pkt
}

// requestPacket builds the REQUEST used from Requesting and InitReboot.
// The server identifier is only named while answering an offer; an
// INIT-REBOOT REQUEST must leave it out.
func (c *Client) requestPacket(now time.Time) *dhcp4.Packet {
	c.mtVal[0] = byte(dhcp4.MsgRequest)
	c.ripVal = c.offerAddr.As4()
	opts := append(c.opts[:0],
		dhcp4.Option{Code: dhcp4.OptMessageType, Value: c.mtVal[:]},
		dhcp4.Option{Code: dhcp4.OptRequestedIP, Value: c.ripVal[:]},
	)
	if c.state == StateRequesting {
		c.sidVal = c.offerServer.As4()
		opts = append(opts, dhcp4.Option{Code: dhcp4.OptServerIdentifier, Value: c.sidVal[:]})
	}
	opts = append(opts, dhcp4.Option{Code: dhcp4.OptParameterRequest, Value: paramRequestList})
	c.pkt = *dhcp4.NewRequest(c.mac, c.xid, c.secs(now), netip.Addr{}, opts)
	return &c.pkt
}

// renewPacket builds the REQUEST used from Renewing and Rebinding: the
// client fills ciaddr with its address and must not send options 50/54.
func (c *Client) renewPacket(now time.Time) *dhcp4.Packet {
	c.mtVal[0] = byte(dhcp4.MsgRequest)
	opts := append(c.opts[:0],
		dhcp4.Option{Code: dhcp4.OptMessageType, Value: c.mtVal[:]},
		dhcp4.Option{Code: dhcp4.OptParameterRequest, Value: paramRequestList},
	)
	c.pkt = *dhcp4.NewRequest(c.mac, c.xid, c.secs(now), c.lease.Addr, opts)
	return &c.pkt
}

// messagePacket builds single-purpose RELEASE/DECLINE messages.
func (c *Client) messagePacket(mt dhcp4.MessageType, now time.Time, addr netip.Addr) *dhcp4.Packet {
	c.mtVal[0] = byte(mt)
	opts := append(c.opts[:0],
		dhcp4.Option{Code: dhcp4.OptMessageType, Value: c.mtVal[:]},
	)
	if mt == dhcp4.MsgDecline {
		c.ripVal = addr.As4()
		opts = append(opts, dhcp4.Option{Code: dhcp4.OptRequestedIP, Value: c.ripVal[:]})
		addr = netip.Addr{}
	}
	c.pkt = *dhcp4.NewRequest(c.mac, c.xid, 0, addr, opts)
	return &c.pkt
}
