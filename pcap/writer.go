package pcap

import (
	"encoding/binary"
	"io"
	"time"
)

// A Writer appends captured frames to an io.Writer as a pcap stream.
// The stream header is only emitted ahead of the first frame, so a
// Writer that never sees traffic writes nothing at all.
//
// Writers always produce little-endian streams with nanosecond
// timestamps.
type Writer struct {
	w       io.Writer
	link    LinkType
	started bool
	scratch [16]byte
}

// NewWriter returns a Writer that captures frames of the given link
// type to w.
func NewWriter(w io.Writer, link LinkType) *Writer {
	return &Writer{w: w, link: link}
}

func (w *Writer) start() error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicNanos)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// bytes 8-15: timezone offset and timestamp accuracy, zero in practice
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(w.link))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	w.started = true
	return nil
}

// Put appends one frame captured at ts.
func (w *Writer) Put(ts time.Time, frame []byte) error {
	if !w.started {
		if err := w.start(); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint32(w.scratch[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(w.scratch[4:8], uint32(ts.Nanosecond()))
	binary.LittleEndian.PutUint32(w.scratch[8:12], uint32(len(frame)))
	binary.LittleEndian.PutUint32(w.scratch[12:16], uint32(len(frame)))
	if _, err := w.w.Write(w.scratch[:]); err != nil {
		return err
	}
	_, err := w.w.Write(frame)
	return err
}
