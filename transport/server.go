package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// WriteTimeout bounds how long a Send may block on a slow peer.
var WriteTimeout = 10 * time.Second

type peer struct {
	id     ConnID
	conn   net.Conn
	remote string
	wmu    sync.Mutex
}

func (p *peer) send(payload []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return WriteFrame(p.conn, payload)
}

// Server accepts framed connections. One goroutine accepts and one goroutine
// per peer reads; all of them report to a single event channel that the
// owner drains with Process or Events.
type Server struct {
	listener net.Listener
	events   chan Event
	abort    chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	peers  map[ConnID]*peer
	nextID ConnID
	closed bool
}

// Listen starts a Server on address (see HostPort for accepted forms).
func Listen(address string) (*Server, error) {
	hp, err := HostPort(address)
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", hp)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: l,
		events:   make(chan Event, 4096),
		abort:    make(chan struct{}),
		peers:    make(map[ConnID]*peer),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if a, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// ConnectionString returns the address in the form announced to peers,
// "tcp://<port>". Peers combine it with the host they already know.
func (s *Server) ConnectionString() string {
	return "tcp://" + strconv.Itoa(s.Port())
}

// Events returns the channel of transport events. Use either Events or
// Process, not both.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Process handles every event that arrives within timeout. See Client.Process.
func (s *Server) Process(timeout time.Duration, handler func(Event)) int {
	n, _ := process(s.events, timeout, handler)
	return n
}

func (s *Server) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.abort:
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.nextID++
		p := &peer{id: s.nextID, conn: conn, remote: conn.RemoteAddr().String()}
		s.peers[p.id] = p
		s.wg.Add(1)
		s.mu.Unlock()

		// Connect is queued before the reader starts, so it precedes every
		// Receive from the same peer.
		if !s.emit(Event{Kind: Connect, Conn: p.id, Remote: p.remote}) {
			conn.Close()
			s.wg.Done()
			return
		}
		go s.readLoop(p)
	}
}

func (s *Server) readLoop(p *peer) {
	defer s.wg.Done()
	var err error
	for {
		var payload []byte
		payload, err = ReadFrame(p.conn)
		if err != nil {
			break
		}
		if !s.emit(Event{Kind: Receive, Conn: p.id, Remote: p.remote, Packet: payload}) {
			break
		}
	}
	p.conn.Close()
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
	// The reader is the only place a Disconnect is produced, once per peer.
	s.emit(Event{Kind: Disconnect, Conn: p.id, Remote: p.remote, Err: err})
}

func (s *Server) lookup(id ConnID) (*peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	return p, nil
}

// Send writes payload to connection id. Frames sent by concurrent callers
// are never interleaved.
func (s *Server) Send(id ConnID, payload []byte) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	return p.send(payload)
}

// Close closes connection id. Its Disconnect event follows as usual.
func (s *Server) Close(id ConnID) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	return p.conn.Close()
}

// Connections returns the ids of all open connections.
func (s *Server) Connections() []ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]ConnID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting, closes every connection and waits for all
// goroutines to finish. Events not yet handled are discarded.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.abort)
	err := s.listener.Close()
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
