package client

import (
	"net/netip"
	"time"

	"github.com/metal-stack/microdhcp/dhcp4"
)

// Lease is a time-bounded grant of an address, as extracted from a DHCPACK.
// A lease is owned by the state machine that acquired it and is replaced
// wholesale on renewal, never mutated field by field.
type Lease struct {
	Addr       netip.Addr
	SubnetMask netip.Addr
	Gateway    netip.Addr // zero when the server named none
	ServerID   netip.Addr
	Duration   time.Duration
	AcquiredAt time.Time

	// Options carries every other option from the ACK verbatim (DNS
	// servers, vendor extensions, ...), copied out of the packet buffer.
	Options dhcp4.Options
}

// RenewAt returns the T1 renewal time, at 50% of the lease duration.
func (l *Lease) RenewAt() time.Time {
	return l.AcquiredAt.Add(l.Duration / 2)
}

// RebindAt returns the T2 rebinding time, at 87.5% of the lease duration.
func (l *Lease) RebindAt() time.Time {
	return l.AcquiredAt.Add(l.Duration * 7 / 8)
}

// ExpiresAt returns the end of the lease.
func (l *Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.Duration)
}

// leaseFromAck builds a fresh Lease from an ACK packet. Everything is
// copied; the lease outlives the receive buffer backing ack.
func leaseFromAck(ack *dhcp4.Packet, now time.Time, fallback time.Duration) Lease {
	l := Lease{
		Addr:       ack.YourAddr,
		Duration:   fallback,
		AcquiredAt: now,
	}
	if mask, ok := ack.Options.Addr(dhcp4.OptSubnetMask); ok {
		l.SubnetMask = mask
	}
	if gw, ok := ack.Options.Addr(dhcp4.OptRouter); ok {
		l.Gateway = gw
	}
	if sid, ok := ack.Options.Addr(dhcp4.OptServerIdentifier); ok {
		l.ServerID = sid
	}
	if secs, ok := ack.Options.Uint32(dhcp4.OptLeaseTime); ok {
		l.Duration = time.Duration(secs) * time.Second
	}

	// One backing buffer for all retained option values.
	size := 0
	for _, opt := range ack.Options {
		if !leaseParsedOption(opt.Code) {
			size += len(opt.Value)
		}
	}
	backing := make([]byte, 0, size)
	for _, opt := range ack.Options {
		if leaseParsedOption(opt.Code) {
			continue
		}
		start := len(backing)
		backing = append(backing, opt.Value...)
		l.Options = append(l.Options, dhcp4.Option{Code: opt.Code, Value: backing[start:]})
	}

	return l
}

// leaseParsedOption reports whether an option code is decoded into a Lease
// field rather than retained verbatim.
func leaseParsedOption(code byte) bool {
	switch code {
	case dhcp4.OptSubnetMask, dhcp4.OptRouter, dhcp4.OptServerIdentifier,
		dhcp4.OptLeaseTime, dhcp4.OptMessageType:
		return true
	}
	return false
}
