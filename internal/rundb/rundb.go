// Package rundb records RunControl activity and runs in a ClickHouse database.
package rundb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

// Connection is a connection to the run database. A nil or unconnected
// Connection accepts every call and records nothing.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	componentmsg  chan *ComponentMessage
	sync.WaitGroup
}

const databaseName = "rundaq" // official SQL name of the database

// DefaultAddress is where the ClickHouse server is expected.
const DefaultAddress = "localhost:9000"

const timeLayout = "2006-01-02 15:04:05.000000"

// NewID returns a fresh unique, time-ordered identifier.
func NewID() string {
	return ulid.Make().String()
}

// IsConnected reports whether the database can be written.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the first error the connection met, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// PingServer checks that a ClickHouse server answers at addr.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection connects to addr, records the activity and handles
// messages until abort is closed.
func StartConnection(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	conn := createConnection(addr)
	conn.activityEntry = activity
	conn.logActivity()
	go conn.handleConnection(abort)
	return conn
}

// DummyConnection returns a Connection that records nothing.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	db.Done()
	return db
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	dbUser := os.Getenv("RUNDAQ_DB_USER")
	dbPass := os.Getenv("RUNDAQ_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "rundaq", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.Add(1)
	db.runmsg = make(chan *RunMessage)
	db.componentmsg = make(chan *ComponentMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO rundaqactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeLayout), ae.End.Format(timeLayout),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into rundaqactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	if !db.IsConnected() {
		return
	}
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case cmsg := <-db.componentmsg:
			db.handleComponentMessage(cmsg)
		}
	}
}

// Disconnect records the end of the activity.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
		db.conn.Close()
	}
}

// RecordRun stores the start of a run. It blocks until the message is
// accepted, so that the run row exists before any component rows refer to it.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.ActivityID = db.activityEntry.ID
	db.runmsg <- msg
}

// FinishRun stores the end of a run.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

// RecordComponent stores one component taking part in a run.
func (db *Connection) RecordComponent(msg *ComponentMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.componentmsg <- msg }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	const nowait = false
	end := ""
	if !m.End.IsZero() {
		end = m.End.Format(timeLayout)
	}
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.RunNumber, m.InitName, m.ConfigName, m.GeoID,
		m.Message, m.EndState, m.Aborted, m.Start.Format(timeLayout), end,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into runs ", err)
		db.err = err
	}
}

func (db *Connection) handleComponentMessage(m *ComponentMessage) {
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO components VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.Type, m.Name, m.Remote, m.Mandatory, m.State, m.Events,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into components ", err)
		db.err = err
	}
}
