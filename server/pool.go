// Package server implements the server side of DHCP: an address pool with
// a fixed-capacity binding table, and a handler that turns inbound client
// messages into OFFER/ACK/NAK replies.
//
// Like the codec, the allocator is built for a single driving loop: no
// locks, no background sweeper, no hidden allocation after construction.
// Expired bindings are simply treated as absent when they are next looked
// up.
package server

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// BindingState tracks what a table entry currently means.
type BindingState uint8

const (
	// BindingFree marks an unused slot.
	BindingFree BindingState = iota
	// BindingOffered means the address was named in an OFFER and is held
	// back until the client commits or the offer times out.
	BindingOffered
	// BindingBound means the address is leased.
	BindingBound
	// BindingReleased means the client gave the address back; the slot is
	// kept so a returning client gets its old address again.
	BindingReleased
)

// Binding associates a client hardware address with an allocated address.
type Binding struct {
	MAC     [16]byte
	Addr    netip.Addr
	State   BindingState
	Expires time.Time
}

// active reports whether the binding still holds its address at time now.
// Released bindings keep their slot but not their claim.
func (b *Binding) active(now time.Time) bool {
	switch b.State {
	case BindingOffered, BindingBound:
		return now.Before(b.Expires)
	default:
		return false
	}
}

type quarantineEntry struct {
	addr  netip.Addr
	until time.Time
}

// Pool hands out addresses from a contiguous inclusive range. Capacity is
// fixed at construction; the pool performs no allocation afterwards.
//
// Invariants: at most one binding per hardware address, and an address is
// offered or bound to at most one hardware address at a time.
type Pool struct {
	start, end uint32 // inclusive, host byte order
	bindings   []Binding
	quarantine []quarantineEntry
}

// NewPool creates a pool over [start, end]. capacity bounds the binding
// table; zero means one slot per address in the range.
func NewPool(start, end netip.Addr, capacity int) (*Pool, error) {
	if !start.Is4() || !end.Is4() {
		return nil, fmt.Errorf("pool range %s-%s is not IPv4", start, end)
	}
	lo, hi := addrToU32(start), addrToU32(end)
	if lo > hi {
		return nil, fmt.Errorf("pool range %s-%s is inverted", start, end)
	}
	size := int(hi-lo) + 1
	if capacity <= 0 || capacity > size {
		capacity = size
	}
	return &Pool{
		start:      lo,
		end:        hi,
		bindings:   make([]Binding, capacity),
		quarantine: make([]quarantineEntry, capacity),
	}, nil
}

// Size returns the number of addresses in the range.
func (p *Pool) Size() int {
	return int(p.end-p.start) + 1
}

// Contains reports whether addr falls inside the pool range.
func (p *Pool) Contains(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	v := addrToU32(addr)
	return v >= p.start && v <= p.end
}

// Offer reserves an address for mac and returns it. An existing live
// binding wins, so a client that re-discovers before its lease expires is
// offered the same address it already holds. Otherwise the client's wish
// (requested) is honored when possible, falling back to the lowest free
// address. ok is false when the pool or the binding table is exhausted;
// that is a recoverable condition and the caller simply stays silent.
func (p *Pool) Offer(mac [16]byte, requested netip.Addr, now, expires time.Time) (addr netip.Addr, ok bool) {
	if b := p.findMAC(mac, now); b != nil {
		if b.State == BindingBound {
			// do not downgrade a committed lease to an offer
			return b.Addr, true
		}
		b.State = BindingOffered
		b.Expires = expires
		return b.Addr, true
	}

	// a lapsed binding still points at the address the client held
	// before, which beats both its wish and the lowest free address
	if old := p.lapsedMAC(mac); old != nil && p.free(old.Addr, mac, now) {
		addr = old.Addr
	}
	if !addr.IsValid() && requested.IsValid() && p.Contains(requested) && p.free(requested, mac, now) {
		addr = requested
	}
	if !addr.IsValid() {
		addr, ok = p.lowestFree(mac, now)
		if !ok {
			return netip.Addr{}, false
		}
	}

	slot := p.slotFor(mac, now)
	if slot == nil {
		return netip.Addr{}, false
	}
	*slot = Binding{MAC: mac, Addr: addr, State: BindingOffered, Expires: expires}
	return addr, true
}

// Commit turns an offer (or an existing lease, for renewal) into a bound
// lease on addr. It fails when addr is outside the pool, quarantined,
// claimed by a different hardware address, or was never offered to this
// one; the caller answers such a REQUEST with a NAK.
func (p *Pool) Commit(mac [16]byte, addr netip.Addr, now, expires time.Time) bool {
	if !p.Contains(addr) || p.quarantined(addr, now) {
		return false
	}
	if other := p.findAddr(addr, now); other != nil && other.MAC != mac {
		return false
	}
	b := p.findMAC(mac, now)
	if b == nil || b.Addr != addr {
		return false
	}
	b.State = BindingBound
	b.Expires = expires
	return true
}

// Release marks the binding of mac released; the address becomes
// immediately available for reuse.
func (p *Pool) Release(mac [16]byte, now time.Time) bool {
	b := p.findMAC(mac, now)
	if b == nil {
		return false
	}
	b.State = BindingReleased
	return true
}

// Decline quarantines addr until the given time, modeling an address
// conflict the server cannot see itself. Whatever binding held the
// address is dropped.
func (p *Pool) Decline(addr netip.Addr, until, now time.Time) {
	if b := p.findAddr(addr, now); b != nil {
		b.State = BindingFree
	}

	// reuse an expired quarantine slot if none matches the address
	var slot *quarantineEntry
	for i := range p.quarantine {
		q := &p.quarantine[i]
		if q.addr == addr || (slot == nil && !now.Before(q.until)) {
			slot = q
			if q.addr == addr {
				break
			}
		}
	}
	if slot != nil {
		slot.addr = addr
		slot.until = until
	}
}

// Binding returns a copy of the live binding for mac, if any.
func (p *Pool) Binding(mac [16]byte, now time.Time) (Binding, bool) {
	if b := p.findMAC(mac, now); b != nil {
		return *b, true
	}
	return Binding{}, false
}

// findMAC returns the live binding for mac. Expired bindings are treated
// as absent; they are not scrubbed, the slot just becomes reusable.
func (p *Pool) findMAC(mac [16]byte, now time.Time) *Binding {
	for i := range p.bindings {
		b := &p.bindings[i]
		if b.State != BindingFree && b.MAC == mac && b.active(now) {
			return b
		}
	}
	return nil
}

// lapsedMAC returns the slot still carrying mac after its claim ended.
func (p *Pool) lapsedMAC(mac [16]byte) *Binding {
	for i := range p.bindings {
		b := &p.bindings[i]
		if b.State != BindingFree && b.MAC == mac {
			return b
		}
	}
	return nil
}

// findAddr scans for the live binding holding addr. This secondary scan
// exists only to detect collisions during REQUEST validation and DECLINE.
func (p *Pool) findAddr(addr netip.Addr, now time.Time) *Binding {
	for i := range p.bindings {
		b := &p.bindings[i]
		if b.State != BindingFree && b.Addr == addr && b.active(now) {
			return b
		}
	}
	return nil
}

// free reports whether addr can be handed to mac right now.
func (p *Pool) free(addr netip.Addr, mac [16]byte, now time.Time) bool {
	if p.quarantined(addr, now) {
		return false
	}
	b := p.findAddr(addr, now)
	return b == nil || b.MAC == mac
}

// lowestFree returns the lowest address in the range that is neither
// offered, bound nor quarantined.
func (p *Pool) lowestFree(mac [16]byte, now time.Time) (netip.Addr, bool) {
	for v := p.start; v <= p.end; v++ {
		addr := u32ToAddr(v)
		if p.free(addr, mac, now) {
			return addr, true
		}
		if v == p.end {
			// avoid wrapping when the range ends at 255.255.255.255
			break
		}
	}
	return netip.Addr{}, false
}

// slotFor picks a table slot for a new binding of mac: an existing slot
// for the same hardware address first, then any slot whose claim has
// lapsed.
func (p *Pool) slotFor(mac [16]byte, now time.Time) *Binding {
	var fallback *Binding
	for i := range p.bindings {
		b := &p.bindings[i]
		if b.State != BindingFree && b.MAC == mac {
			return b
		}
		if fallback == nil && !b.active(now) {
			fallback = b
		}
	}
	return fallback
}

// quarantined reports whether addr is excluded from allocation at now.
func (p *Pool) quarantined(addr netip.Addr, now time.Time) bool {
	for i := range p.quarantine {
		q := &p.quarantine[i]
		if q.addr == addr && now.Before(q.until) {
			return true
		}
	}
	return false
}

func addrToU32(addr netip.Addr) uint32 {
	a4 := addr.As4()
	return binary.BigEndian.Uint32(a4[:])
}

func u32ToAddr(v uint32) netip.Addr {
	var a4 [4]byte
	binary.BigEndian.PutUint32(a4[:], v)
	return netip.AddrFrom4(a4)
}
