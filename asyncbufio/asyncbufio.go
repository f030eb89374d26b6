// Package asyncbufio provides a buffered writer whose Write hands the data to
// a background goroutine, so that a slow disk stalls only that goroutine.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned by Write, Flush and Close after Close.
var ErrClosed = errors.New("asyncbufio: writer is closed")

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
type Writer struct {
	writer        *bufio.Writer // does the actual writing
	datachannel   chan []byte   // data waiting to be written
	flushNow      chan chan error
	done          chan struct{}
	flushInterval time.Duration

	mu      sync.RWMutex // guards closed against concurrent Write/Close
	closed  bool
	written int64 // bytes accepted by Write; guarded by mu

	errMu sync.Mutex
	err   error // first error from the underlying writer
}

// NewWriter creates a new Writer that buffers up to channelDepth pending
// writes and flushes at least every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriterSize(w, 65536),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan chan error),
		done:          make(chan struct{}),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p for writing. It blocks only while the queue is
// full. Errors from the underlying writer surface here, in Flush and in Close.
func (aw *Writer) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, ErrClosed
	}
	if err := aw.Err(); err != nil {
		return 0, err
	}
	data := make([]byte, len(p))
	copy(data, p)
	aw.datachannel <- data
	aw.written += int64(len(p))
	return len(p), nil
}

// WriteString queues s for writing.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Written returns the number of bytes accepted by Write so far.
func (aw *Writer) Written() int64 {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	return aw.written
}

// Err returns the first error reported by the underlying writer.
func (aw *Writer) Err() error {
	aw.errMu.Lock()
	defer aw.errMu.Unlock()
	return aw.err
}

func (aw *Writer) setErr(err error) {
	if err == nil {
		return
	}
	aw.errMu.Lock()
	defer aw.errMu.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}

// Flush writes all queued data to the underlying writer and waits until it is done.
func (aw *Writer) Flush() error {
	aw.mu.RLock()
	if aw.closed {
		aw.mu.RUnlock()
		return ErrClosed
	}
	reply := make(chan error)
	aw.flushNow <- reply
	aw.mu.RUnlock()
	return <-reply
}

// Close flushes remaining data and stops the background goroutine. It does
// not close the underlying writer.
func (aw *Writer) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return ErrClosed
	}
	aw.closed = true
	close(aw.datachannel)
	aw.mu.Unlock()
	<-aw.done
	return aw.Err()
}

func (aw *Writer) writeLoop() {
	defer close(aw.done)
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-aw.datachannel:
			if !ok {
				aw.setErr(aw.writer.Flush())
				return
			}
			_, err := aw.writer.Write(data)
			aw.setErr(err)

		case reply := <-aw.flushNow:
			aw.flush()
			reply <- aw.Err()

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the queue, then flushes the bufio.Writer.
func (aw *Writer) flush() {
	for {
		select {
		case data, ok := <-aw.datachannel:
			if !ok {
				aw.setErr(aw.writer.Flush())
				return
			}
			_, err := aw.writer.Write(data)
			aw.setErr(err)
		default:
			aw.setErr(aw.writer.Flush())
			return
		}
	}
}
