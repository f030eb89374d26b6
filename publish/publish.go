// Package publish sends topic-tagged messages on ZMQ PUB sockets, and
// receives them for tools and tests.
package publish

import (
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// Endpoint returns the ZMQ address for publishing on all interfaces at port.
func Endpoint(port int) string {
	return fmt.Sprintf("tcp://*:%d", port)
}

// Publisher is a bound ZMQ PUB socket. Each message goes out as two frames:
// the topic, then the payload.
type Publisher struct {
	mu     sync.Mutex // zmq sockets are not goroutine safe
	socket *zmq.Socket
}

// NewPublisher binds a PUB socket to endpoint.
func NewPublisher(endpoint string) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("binding publisher to %s: %w", endpoint, err)
	}
	return &Publisher{socket: socket}, nil
}

// Publish sends msg under topic.
func (p *Publisher) Publish(topic string, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return fmt.Errorf("publisher is closed")
	}
	_, err := p.socket.SendMessage(topic, msg)
	return err
}

// Close closes the socket.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}

// Subscriber is a connected ZMQ SUB socket.
type Subscriber struct {
	socket *zmq.Socket
}

// NewSubscriber connects to a publisher at endpoint and subscribes to the
// given topics, or to everything when there are none.
func NewSubscriber(endpoint string, topics ...string) (*Subscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, err
	}
	if len(topics) == 0 {
		topics = []string{""}
	}
	for _, t := range topics {
		if err := socket.SetSubscribe(t); err != nil {
			socket.Close()
			return nil, err
		}
	}
	return &Subscriber{socket: socket}, nil
}

// Receive waits up to timeout for the next message.
func (s *Subscriber) Receive(timeout time.Duration) (string, []byte, error) {
	if err := s.socket.SetRcvtimeo(timeout); err != nil {
		return "", nil, err
	}
	parts, err := s.socket.RecvMessageBytes(0)
	if err != nil {
		return "", nil, err
	}
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("message has %d frames, want 2", len(parts))
	}
	return string(parts[0]), parts[1], nil
}

// Close closes the socket.
func (s *Subscriber) Close() error {
	return s.socket.Close()
}
