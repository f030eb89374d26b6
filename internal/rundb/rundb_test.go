package rundb

import (
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestDummyConnection(t *testing.T) {
	db := DummyConnection()
	if db.IsConnected() {
		t.Errorf("DummyConnection().IsConnected() = true, want false")
	}
	// None of these may block or panic.
	db.RecordRun(&RunMessage{ID: NewID(), RunNumber: 3})
	db.FinishRun(&RunMessage{ID: NewID(), RunNumber: 3})
	db.RecordComponent(&ComponentMessage{Type: "Producer", Name: "P1"})
	db.Disconnect()
	db.Wait()

	var nilDB *Connection
	if nilDB.IsConnected() {
		t.Errorf("nil Connection reports connected")
	}
	nilDB.RecordRun(&RunMessage{})
	if nilDB.Err() != nil {
		t.Errorf("nil Connection Err() = %v, want nil", nilDB.Err())
	}
}

func TestNewID(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if a == b {
		t.Fatalf("NewID returned %s twice", a)
	}
	ua, err := ulid.Parse(a)
	if err != nil {
		t.Fatalf("NewID returned unparseable %q: %v", a, err)
	}
	ub, _ := ulid.Parse(b)
	if ua.Compare(ub) >= 0 {
		t.Errorf("IDs %s, %s are not increasing", a, b)
	}
}

func TestUnreachableServer(t *testing.T) {
	abort := make(chan struct{})
	db := StartConnection("127.0.0.1:1", &ActivityMessage{ID: NewID(), Start: time.Now()}, abort)
	if db.IsConnected() {
		t.Errorf("connection to a closed port reports connected")
	}
	if db.Err() == nil {
		t.Errorf("connection to a closed port has no error")
	}
	close(abort)
	db.Wait()
}

func TestLiveServer(t *testing.T) {
	addr := os.Getenv("RUNDAQ_DB_TEST_ADDR")
	if addr == "" {
		t.Skip("set RUNDAQ_DB_TEST_ADDR to test against a ClickHouse server")
	}
	if err := PingServer(addr); err != nil {
		t.Fatal(err)
	}
}
