package rundb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the rundaqactivity table: one row
// per RunControl process lifetime.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the runs table.
type RunMessage struct {
	ID         string
	ActivityID string
	RunNumber  uint32
	InitName   string
	ConfigName string
	GeoID      int
	Message    string
	EndState   string
	Aborted    bool
	Start      time.Time
	End        time.Time
}

// ComponentMessage is the information required to make an entry in the
// components table: one row per component taking part in a run.
type ComponentMessage struct {
	RunID     string
	Type      string
	Name      string
	Remote    string
	Mandatory bool
	State     string
	Events    string
}
