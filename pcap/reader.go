// Package pcap reads and writes packet captures in the classic libpcap
// format, just enough to archive DHCP traffic for offline inspection
// with standard tools.
package pcap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// LinkType identifies the framing of captured packets.
type LinkType uint32

const (
	// LinkEthernet frames start with a 14-byte Ethernet header.
	LinkEthernet LinkType = 1
	// LinkRaw frames start directly with the IP header.
	LinkRaw LinkType = 101
)

const (
	magicMicros = 0xa1b2c3d4
	magicNanos  = 0xa1b23c4d

	versionMajor = 2
	versionMinor = 4

	snapLen = 65535
)

// A Reader iterates over the frames of a pcap stream.
type Reader struct {
	// Link is the link type declared in the stream header.
	Link LinkType

	r     *bufio.Reader
	order binary.ByteOrder
	nanos bool
}

// NewReader consumes the stream header from r and returns a Reader
// positioned at the first frame. Both timestamp resolutions and both
// byte orders are accepted.
func NewReader(r io.Reader) (*Reader, error) {
	ret := &Reader{r: bufio.NewReader(r)}

	var hdr [24]byte
	if _, err := io.ReadFull(ret.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading capture header: %w", err)
	}

	// The magic doubles as the byte order marker: a reader seeing it
	// byte-swapped knows the stream was written on the other kind of
	// machine.
	switch binary.LittleEndian.Uint32(hdr[0:4]) {
	case magicNanos:
		ret.order, ret.nanos = binary.LittleEndian, true
	case magicMicros:
		ret.order = binary.LittleEndian
	default:
		switch binary.BigEndian.Uint32(hdr[0:4]) {
		case magicNanos:
			ret.order, ret.nanos = binary.BigEndian, true
		case magicMicros:
			ret.order = binary.BigEndian
		default:
			return nil, errors.New("not a pcap stream")
		}
	}

	major, minor := ret.order.Uint16(hdr[4:6]), ret.order.Uint16(hdr[6:8])
	if major != versionMajor || minor != versionMinor {
		return nil, fmt.Errorf("unsupported pcap version %d.%d", major, minor)
	}
	ret.Link = LinkType(ret.order.Uint32(hdr[20:24]))

	return ret, nil
}

// Next returns the next frame and its capture time. It returns io.EOF
// at the end of the stream.
func (r *Reader) Next() (time.Time, []byte, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return time.Time{}, nil, err
	}

	sub := int64(r.order.Uint32(hdr[4:8]))
	if !r.nanos {
		sub *= int64(time.Microsecond)
	}
	ts := time.Unix(int64(r.order.Uint32(hdr[0:4])), sub)

	frame := make([]byte, r.order.Uint32(hdr[8:12]))
	if _, err := io.ReadFull(r.r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return time.Time{}, nil, err
	}
	return ts, frame, nil
}
