package server

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/metal-stack/microdhcp/dhcp4"
)

// Config carries the server's identity and what it hands out with every
// lease.
type Config struct {
	// ServerIP is this server's address, sent as the server identifier.
	ServerIP netip.Addr

	// What clients get.
	SubnetMask netip.Addr
	Gateways   []netip.Addr
	DNS        []netip.Addr

	// ExtraOptions are appended verbatim to every OFFER and ACK, for
	// site-specific vendor options.
	ExtraOptions dhcp4.Options

	// LeaseDuration is how long a committed lease runs. Default 1h.
	LeaseDuration time.Duration

	// OfferTimeout is how long an offered address is held back waiting
	// for the client's REQUEST. Default 1m.
	OfferTimeout time.Duration

	// DeclineQuarantine is how long a declined address is excluded from
	// allocation. Default 5m.
	DeclineQuarantine time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = time.Hour
	}
	if cfg.OfferTimeout == 0 {
		cfg.OfferTimeout = time.Minute
	}
	if cfg.DeclineQuarantine == 0 {
		cfg.DeclineQuarantine = 5 * time.Minute
	}
	return cfg
}

// Handler processes one decoded client message at a time against the
// address pool. Like the rest of the engine it is owned by a single
// driving loop; the reply packet aliases scratch buffers inside the
// Handler and must be encoded before the next Handle call.
type Handler struct {
	cfg  Config
	pool *Pool

	// reply scratch
	pkt      dhcp4.Packet
	opts     dhcp4.Options
	mtVal    [1]byte
	sidVal   [4]byte
	leaseVal [4]byte
	maskVal  [4]byte
	gwVal    [16]byte
	dnsVal   [16]byte
}

// NewHandler validates cfg and builds a handler over the given pool.
func NewHandler(cfg Config, pool *Pool) (*Handler, error) {
	if !cfg.ServerIP.Is4() {
		return nil, fmt.Errorf("server ip %s is not IPv4", cfg.ServerIP)
	}
	if pool.Contains(cfg.ServerIP) {
		return nil, fmt.Errorf("server ip %s must not be inside the pool range", cfg.ServerIP)
	}
	return &Handler{
		cfg:  cfg.withDefaults(),
		pool: pool,
		opts: make(dhcp4.Options, 0, 16),
	}, nil
}

// Pool returns the pool the handler allocates from.
func (h *Handler) Pool() *Pool {
	return h.pool
}

// Handle processes req and returns the reply to transmit, or nil when the
// protocol calls for silence (not our packet, pool exhausted, RELEASE,
// DECLINE). It never returns an error: anything wrong with a peer's
// packet is answered on the wire or not at all.
func (h *Handler) Handle(now time.Time, req *dhcp4.Packet) *dhcp4.Packet {
	if req.Reply {
		return nil
	}
	mt := req.Type()
	if mt == 0 {
		// plain BOOTP, not ours to answer
		return nil
	}

	// A client answering some other server's offer names that server in
	// option 54. Such packets are not for us.
	if sid, ok := req.Options.Addr(dhcp4.OptServerIdentifier); ok && sid != h.cfg.ServerIP {
		return nil
	}

	switch mt {
	case dhcp4.MsgDiscover:
		return h.discover(now, req)
	case dhcp4.MsgRequest:
		return h.request(now, req)
	case dhcp4.MsgDecline:
		h.decline(now, req)
		return nil
	case dhcp4.MsgRelease:
		h.pool.Release(req.CHAddr, now)
		return nil
	case dhcp4.MsgInform:
		return h.inform(req)
	}
	return nil
}

func (h *Handler) discover(now time.Time, req *dhcp4.Packet) *dhcp4.Packet {
	requested, _ := req.Options.Addr(dhcp4.OptRequestedIP)
	addr, ok := h.pool.Offer(req.CHAddr, requested, now, now.Add(h.cfg.OfferTimeout))
	if !ok {
		// pool exhausted; the client will retry or time out
		return nil
	}
	return h.reply(req, dhcp4.MsgOffer, addr)
}

func (h *Handler) request(now time.Time, req *dhcp4.Packet) *dhcp4.Packet {
	// a renewing client has no option 50, its address is in ciaddr
	addr, ok := req.Options.Addr(dhcp4.OptRequestedIP)
	if !ok {
		addr = req.ClientAddr
	}
	if !addr.IsValid() || addr.IsUnspecified() ||
		!h.pool.Commit(req.CHAddr, addr, now, now.Add(h.cfg.LeaseDuration)) {
		return h.nak(req)
	}
	return h.reply(req, dhcp4.MsgAck, addr)
}

func (h *Handler) decline(now time.Time, req *dhcp4.Packet) {
	addr, ok := req.Options.Addr(dhcp4.OptRequestedIP)
	if !ok {
		addr = req.ClientAddr
	}
	if !addr.IsValid() || addr.IsUnspecified() {
		return
	}
	h.pool.Decline(addr, now.Add(h.cfg.DeclineQuarantine), now)
}

func (h *Handler) inform(req *dhcp4.Packet) *dhcp4.Packet {
	// configuration only: no address assignment, no binding change, and
	// per RFC 2131 no lease time either
	p := h.buildReply(req, dhcp4.MsgAck, netip.Addr{}, false)
	return p
}

func (h *Handler) reply(req *dhcp4.Packet, mt dhcp4.MessageType, addr netip.Addr) *dhcp4.Packet {
	return h.buildReply(req, mt, addr, true)
}

func (h *Handler) nak(req *dhcp4.Packet) *dhcp4.Packet {
	p := h.buildReply(req, dhcp4.MsgNak, netip.Addr{}, false)
	// a NAKed client may not own an address it can hear unicast on
	p.Broadcast = true
	return p
}

// buildReply assembles the reply packet and its option set: message type
// and server identifier always, lease time when a lease is involved, then
// network configuration (respecting the client's parameter request list
// order when it sent one). NAKs carry no configuration at all.
func (h *Handler) buildReply(req *dhcp4.Packet, mt dhcp4.MessageType, addr netip.Addr, withLease bool) *dhcp4.Packet {
	h.mtVal[0] = byte(mt)
	h.sidVal = h.cfg.ServerIP.As4()
	opts := append(h.opts[:0],
		dhcp4.Option{Code: dhcp4.OptMessageType, Value: h.mtVal[:]},
		dhcp4.Option{Code: dhcp4.OptServerIdentifier, Value: h.sidVal[:]},
	)

	if mt != dhcp4.MsgNak {
		if withLease {
			opts = opts.AppendUint32(dhcp4.OptLeaseTime, h.leaseVal[:],
				uint32(h.cfg.LeaseDuration/time.Second))
		}
		opts = h.configOptions(req, opts)
		opts = append(opts, h.cfg.ExtraOptions...)
	}

	h.pkt = *req.NewReply(addr, opts)
	if mt == dhcp4.MsgAck && !addr.IsValid() {
		// INFORM: answer back to the address the client already has
		h.pkt.ClientAddr = req.ClientAddr
	}
	return &h.pkt
}

// configOptions appends subnet mask, router and DNS options. A client
// that sent a parameter request list gets them in its order; one that did
// not gets all three.
func (h *Handler) configOptions(req *dhcp4.Packet, opts dhcp4.Options) dhcp4.Options {
	codes, ok := req.Options.Get(dhcp4.OptParameterRequest)
	if !ok {
		codes = paramAll
	}
	for _, code := range codes {
		if _, dup := opts.Get(code); dup {
			continue
		}
		switch code {
		case dhcp4.OptSubnetMask:
			if h.cfg.SubnetMask.IsValid() {
				opts = opts.AppendAddrs(code, h.maskVal[:], h.cfg.SubnetMask)
			}
		case dhcp4.OptRouter:
			if len(h.cfg.Gateways) > 0 {
				opts = opts.AppendAddrs(code, h.gwVal[:], h.cfg.Gateways...)
			}
		case dhcp4.OptDNSServer:
			if len(h.cfg.DNS) > 0 {
				opts = opts.AppendAddrs(code, h.dnsVal[:], h.cfg.DNS...)
			}
		}
	}
	return opts
}

var paramAll = []byte{dhcp4.OptSubnetMask, dhcp4.OptRouter, dhcp4.OptDNSServer}
