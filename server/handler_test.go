package server

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metal-stack/microdhcp/dhcp4"
)

var (
	serverIP = netip.AddrFrom4([4]byte{192, 168, 0, 1})
	maskIP   = netip.AddrFrom4([4]byte{255, 255, 255, 0})
	dnsIP    = netip.AddrFrom4([4]byte{8, 8, 8, 8})
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	pool, err := NewPool(poolStart, poolEnd, 0)
	require.NoError(t, err)
	h, err := NewHandler(Config{
		ServerIP:      serverIP,
		SubnetMask:    maskIP,
		Gateways:      []netip.Addr{serverIP},
		DNS:           []netip.Addr{dnsIP},
		LeaseDuration: time.Hour,
	}, pool)
	require.NoError(t, err)
	return h
}

// request builds a client message the way the client package would send
// it on the wire.
func request(mt dhcp4.MessageType, m byte, opts dhcp4.Options) *dhcp4.Packet {
	p := &dhcp4.Packet{
		XID:       uint32(m) + 100,
		Broadcast: true,
		HLen:      6,
		Options:   dhcp4.Options{}.Append(dhcp4.OptMessageType, []byte{byte(mt)}),
	}
	hw := mac(m)
	copy(p.CHAddr[:], hw[:6])
	p.Options = append(p.Options, opts...)
	return p
}

func addrOpt(code byte, a netip.Addr) dhcp4.Option {
	v := a.As4()
	return dhcp4.Option{Code: code, Value: v[:]}
}

func TestDiscoverOfferRequestAck(t *testing.T) {
	h := testHandler(t)
	now := time.Now()

	offer := h.Handle(now, request(dhcp4.MsgDiscover, 1, nil))
	require.NotNil(t, offer)
	require.True(t, offer.Reply)
	require.Equal(t, dhcp4.MsgOffer, offer.Type())
	require.Equal(t, uint32(101), offer.XID)
	require.True(t, h.Pool().Contains(offer.YourAddr))

	sid, ok := offer.Options.Addr(dhcp4.OptServerIdentifier)
	require.True(t, ok)
	require.Equal(t, serverIP, sid)
	secs, ok := offer.Options.Uint32(dhcp4.OptLeaseTime)
	require.True(t, ok)
	require.Equal(t, uint32(3600), secs)

	assigned := offer.YourAddr
	ack := h.Handle(now, request(dhcp4.MsgRequest, 1, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, assigned),
		addrOpt(dhcp4.OptServerIdentifier, serverIP),
	}))
	require.NotNil(t, ack)
	require.Equal(t, dhcp4.MsgAck, ack.Type())
	require.Equal(t, assigned, ack.YourAddr)

	mask, ok := ack.Options.Addr(dhcp4.OptSubnetMask)
	require.True(t, ok)
	require.Equal(t, maskIP, mask)

	b, ok := h.Pool().Binding(mac(1), now)
	require.True(t, ok)
	require.Equal(t, BindingBound, b.State)
	require.Equal(t, assigned, b.Addr)
}

func TestRequestForForeignAddressNaks(t *testing.T) {
	h := testHandler(t)
	now := time.Now()

	nak := h.Handle(now, request(dhcp4.MsgRequest, 1, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, addr(12)),
	}))
	require.NotNil(t, nak)
	require.Equal(t, dhcp4.MsgNak, nak.Type())
	require.True(t, nak.Broadcast, "a NAKed client may not be unicast reachable")
	require.False(t, nak.YourAddr.IsValid() && !nak.YourAddr.IsUnspecified())

	// NAKs carry no configuration
	_, hasMask := nak.Options.Get(dhcp4.OptSubnetMask)
	require.False(t, hasMask)
	_, hasLease := nak.Options.Get(dhcp4.OptLeaseTime)
	require.False(t, hasLease)
	_, hasSID := nak.Options.Get(dhcp4.OptServerIdentifier)
	require.True(t, hasSID, "even a NAK names its sender")
}

func TestRenewalByCiaddr(t *testing.T) {
	h := testHandler(t)
	now := time.Now()

	offer := h.Handle(now, request(dhcp4.MsgDiscover, 1, nil))
	require.NotNil(t, offer)
	assigned := offer.YourAddr
	require.NotNil(t, h.Handle(now, request(dhcp4.MsgRequest, 1, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, assigned),
	})))

	// a renewing client sends no option 50, only ciaddr
	renew := request(dhcp4.MsgRequest, 1, nil)
	renew.Broadcast = false
	renew.ClientAddr = assigned
	ack := h.Handle(now.Add(30*time.Minute), renew)
	require.NotNil(t, ack)
	require.Equal(t, dhcp4.MsgAck, ack.Type())
	require.Equal(t, assigned, ack.YourAddr)

	b, _ := h.Pool().Binding(mac(1), now.Add(30*time.Minute))
	require.True(t, b.Expires.After(now.Add(time.Hour)), "renewal must extend the lease")
}

func TestIgnoresForeignAndNonDHCP(t *testing.T) {
	h := testHandler(t)
	now := time.Now()

	// a REQUEST answering some other server's offer
	other := netip.AddrFrom4([4]byte{10, 0, 0, 1})
	require.Nil(t, h.Handle(now, request(dhcp4.MsgRequest, 1, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, addr(10)),
		addrOpt(dhcp4.OptServerIdentifier, other),
	})))

	// a reply packet, looped back somehow
	reply := request(dhcp4.MsgDiscover, 2, nil)
	reply.Reply = true
	require.Nil(t, h.Handle(now, reply))

	// plain BOOTP without a message type
	bootp := request(dhcp4.MsgDiscover, 3, nil)
	bootp.Options = nil
	require.Nil(t, h.Handle(now, bootp))
}

func TestInform(t *testing.T) {
	h := testHandler(t)
	now := time.Now()

	inform := request(dhcp4.MsgInform, 1, nil)
	inform.Broadcast = false
	inform.ClientAddr = netip.AddrFrom4([4]byte{192, 168, 0, 200})

	ack := h.Handle(now, inform)
	require.NotNil(t, ack)
	require.Equal(t, dhcp4.MsgAck, ack.Type())
	require.Equal(t, inform.ClientAddr, ack.ClientAddr)
	require.False(t, ack.YourAddr.IsValid() && !ack.YourAddr.IsUnspecified(),
		"INFORM assigns no address")

	_, hasLease := ack.Options.Get(dhcp4.OptLeaseTime)
	require.False(t, hasLease, "INFORM replies carry no lease time")
	mask, ok := ack.Options.Addr(dhcp4.OptSubnetMask)
	require.True(t, ok)
	require.Equal(t, maskIP, mask)

	// no binding was created
	_, bound := h.Pool().Binding(mac(1), now)
	require.False(t, bound)
}

func TestReleaseAndDecline(t *testing.T) {
	h := testHandler(t)
	now := time.Now()

	offer := h.Handle(now, request(dhcp4.MsgDiscover, 1, nil))
	assigned := offer.YourAddr
	h.Handle(now, request(dhcp4.MsgRequest, 1, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, assigned),
	}))

	// RELEASE is answered with silence and frees the address
	require.Nil(t, h.Handle(now, request(dhcp4.MsgRelease, 1, nil)))
	offer2 := h.Handle(now, request(dhcp4.MsgDiscover, 2, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, assigned),
	}))
	require.NotNil(t, offer2)
	require.Equal(t, assigned, offer2.YourAddr)

	// DECLINE quarantines the address
	h.Handle(now, request(dhcp4.MsgRequest, 2, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, assigned),
	}))
	require.Nil(t, h.Handle(now, request(dhcp4.MsgDecline, 2, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, assigned),
	})))
	offer3 := h.Handle(now, request(dhcp4.MsgDiscover, 3, dhcp4.Options{
		addrOpt(dhcp4.OptRequestedIP, assigned),
	}))
	require.NotNil(t, offer3)
	require.NotEqual(t, assigned, offer3.YourAddr, "a declined address must sit out")
}

func TestExhaustionIsSilent(t *testing.T) {
	h := testHandler(t)
	now := time.Now()

	for i := byte(1); i <= 4; i++ {
		require.NotNil(t, h.Handle(now, request(dhcp4.MsgDiscover, i, nil)))
	}
	require.Nil(t, h.Handle(now, request(dhcp4.MsgDiscover, 5, nil)))
}

func TestParameterRequestListOrder(t *testing.T) {
	h := testHandler(t)
	now := time.Now()

	offer := h.Handle(now, request(dhcp4.MsgDiscover, 1, dhcp4.Options{
		{Code: dhcp4.OptParameterRequest, Value: []byte{dhcp4.OptDNSServer, dhcp4.OptSubnetMask}},
	}))
	require.NotNil(t, offer)

	// after message type, server id and lease time come the requested
	// options, in the client's order
	require.GreaterOrEqual(t, len(offer.Options), 5)
	require.Equal(t, byte(dhcp4.OptMessageType), offer.Options[0].Code)
	require.Equal(t, byte(dhcp4.OptServerIdentifier), offer.Options[1].Code)
	require.Equal(t, byte(dhcp4.OptLeaseTime), offer.Options[2].Code)
	require.Equal(t, byte(dhcp4.OptDNSServer), offer.Options[3].Code)
	require.Equal(t, byte(dhcp4.OptSubnetMask), offer.Options[4].Code)

	// no router option: the client did not ask for one
	_, hasRouter := offer.Options.Get(dhcp4.OptRouter)
	require.False(t, hasRouter)
}

func TestServerIPInsidePoolRejected(t *testing.T) {
	pool, err := NewPool(poolStart, poolEnd, 0)
	require.NoError(t, err)
	_, err = NewHandler(Config{ServerIP: addr(11)}, pool)
	require.Error(t, err)
}
