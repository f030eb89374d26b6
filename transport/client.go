package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is one framed connection to a Server.
type Client struct {
	conn    net.Conn
	remote  string
	wmu     sync.Mutex
	events  chan Event
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Dial connects to address. An empty host means localhost. Failure to reach
// the server is reported as ErrConnectionRefused; Dial does not retry.
func Dial(address string, timeout time.Duration) (*Client, error) {
	hp, err := HostPort(address)
	if err != nil {
		return nil, err
	}
	host, port, _ := net.SplitHostPort(hp)
	if host == "" || host == "*" {
		hp = net.JoinHostPort("localhost", port)
	}
	conn, err := net.DialTimeout("tcp", hp, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionRefused, address, err)
	}
	c := &Client{
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		events:  make(chan Event, 1024),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Remote returns the server's address.
func (c *Client) Remote() string {
	return c.remote
}

// LocalAddr returns the local end of the connection.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Done is closed once the connection has ended, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer close(c.done)
	var err error
	for {
		var payload []byte
		payload, err = ReadFrame(c.conn)
		if err != nil {
			break
		}
		select {
		case c.events <- Event{Kind: Receive, Remote: c.remote, Packet: payload}:
		case <-c.closing:
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
	select {
	case c.events <- Event{Kind: Disconnect, Remote: c.remote, Err: err}:
	case <-c.closing:
	}
}

// Send writes payload as one frame.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return WriteFrame(c.conn, payload)
}

// Process waits up to timeout for a transport event, then hands it and any
// events already queued behind it to handler. It returns the number of
// events handled.
func (c *Client) Process(timeout time.Duration, handler func(Event)) int {
	n, _ := process(c.events, timeout, handler)
	return n
}

// ReceivePacket waits up to timeout for the next packet. It is meant for
// request/reply exchanges such as the connection handshake, before anyone
// else drains the event queue.
func (c *Client) ReceivePacket(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-c.events:
			switch ev.Kind {
			case Receive:
				return ev.Packet, nil
			case Disconnect:
				return nil, ErrClosed
			}
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

// Close ends the connection and waits for the reader to stop.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	<-c.done
	return err
}
