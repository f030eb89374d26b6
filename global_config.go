package rundaq

import (
	"time"
)

// Portnumbers holds the TCP port numbers a RunControl process uses.
type Portnumbers struct {
	Control int // components connect here for commands
	RPC     int // operator JSON-RPC
	Status  int // ZMQ status publisher
	Metrics int // prometheus /metrics
}

// Ports globally holds the default TCP port numbers.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.Control = base
	Ports.RPC = base + 1
	Ports.Status = base + 2
	Ports.Metrics = base + 3
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

func init() {
	setPortnumbers(44000)
	StartTime = time.Now()
}
