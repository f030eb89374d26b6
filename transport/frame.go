// Package transport moves opaque packets between rundaq processes over TCP.
//
// Each packet travels as a frame: a 4-byte little-endian length followed by
// that many payload bytes. A Server accepts many peers and reports
// Connect, Receive and Disconnect events for them on one channel; a Client
// holds a single connection to a Server.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// MaxFrameSize is the largest payload accepted from a peer.
const MaxFrameSize = 256 << 20

// Errors returned by this package.
var (
	ErrFrameTooLarge     = errors.New("transport: frame exceeds maximum size")
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrClosed            = errors.New("transport: connection closed")
	ErrTimeout           = errors.New("transport: timed out")
	ErrUnknownConnection = errors.New("transport: unknown connection")
)

// WriteFrame writes payload as one frame with a single Write call, so that
// concurrent writers serialized by a mutex never interleave frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its payload. A clean end of stream
// before the header is reported as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: header claims %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// HostPort converts the address forms accepted on the command line
// ("tcp://44000", "tcp://host:44000", "host:44000", ":44000", "44000")
// into a host:port string for the net package.
func HostPort(address string) (string, error) {
	a := strings.TrimPrefix(address, "tcp://")
	if a == "" {
		return "", fmt.Errorf("empty address %q", address)
	}
	if _, err := strconv.Atoi(a); err == nil {
		return ":" + a, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return "", fmt.Errorf("bad address %q: %w", address, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("bad port in address %q", address)
	}
	return net.JoinHostPort(host, port), nil
}

// EventKind distinguishes transport events.
type EventKind int

// The kinds of transport event.
const (
	Connect EventKind = iota
	Receive
	Disconnect
)

func (k EventKind) String() string {
	switch k {
	case Connect:
		return "CONNECT"
	case Receive:
		return "RECEIVE"
	case Disconnect:
		return "DISCONNECT"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ConnID identifies one accepted connection for the lifetime of its Server.
type ConnID uint64

// Event reports something that happened on a connection. Packet is set for
// Receive events; Err may explain a Disconnect.
type Event struct {
	Kind   EventKind
	Conn   ConnID
	Remote string
	Packet []byte
	Err    error
}

// process waits up to timeout for the first event on ch, then hands it and
// any further events already queued to handler. It returns the number of
// events handled and false if ch was closed.
func process(ch <-chan Event, timeout time.Duration, handler func(Event)) (int, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-ch:
		if !ok {
			return 0, false
		}
		handler(ev)
	case <-timer.C:
		return 0, true
	}
	n := 1
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return n, false
			}
			handler(ev)
			n++
		default:
			return n, true
		}
	}
}
