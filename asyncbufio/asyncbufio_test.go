package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	var expect bytes.Buffer
	w := NewWriter(f, 10, time.Second)
	buf := make([]byte, 0, 64)
	for i := range 100 {
		// Reusing buf checks that Write keeps its own copy.
		buf = fmt.Appendf(buf[:0], "Line of text %3d\n", i)
		expect.Write(buf)
		if _, err := w.Write(buf); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		if i%25 == 19 {
			if err := w.Flush(); err != nil {
				t.Errorf("Flush: %v", err)
			}
		}
	}
	w.WriteString("Last line\n")
	expect.WriteString("Last line\n")
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if w.Written() != int64(expect.Len()) {
		t.Errorf("Written() = %d, want %d", w.Written(), expect.Len())
	}

	actual, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(actual, expect.Bytes()) {
		t.Errorf("file contents differ from what was written (%d vs %d bytes)", len(actual), expect.Len())
	}
}

func TestPeriodicFlush(t *testing.T) {
	var out safeBuffer
	w := NewWriter(&out, 10, 10*time.Millisecond)
	defer w.Close()
	w.WriteString("tick")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out.String() == "tick" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("data was not flushed by the ticker")
}

func TestUseAfterClose(t *testing.T) {
	var out safeBuffer
	w := NewWriter(&out, 10, time.Second)
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() = %v, want ErrClosed", err)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if err := w.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after Close = %v, want ErrClosed", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestUnderlyingError(t *testing.T) {
	w := NewWriter(failingWriter{}, 10, time.Second)
	w.WriteString("doomed")
	if err := w.Flush(); err == nil {
		t.Errorf("Flush to a failing writer returned nil error")
	}
	if _, err := w.WriteString("more"); err == nil {
		t.Errorf("Write after a failure returned nil error")
	}
	if err := w.Close(); err == nil {
		t.Errorf("Close after a failure returned nil error")
	}
}
