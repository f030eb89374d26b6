package rundaq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CmdWrite asks a DataCollector to change how it writes the current run.
// RunControl relays it from the operator; the parameter is a JSON-encoded
// WriteControlConfig.
const CmdWrite = "WRITE"

// WriteControlConfig object to control pause/unpause/label of data writing
type WriteControlConfig struct {
	Request string // "Pause", "Unpause" or "Label"
	Label   string // the experiment state label, for "Label"
}

// Command encodes the request for sending to a DataCollector.
func (c WriteControlConfig) Command() Command {
	param, _ := json.Marshal(c)
	return Command{Name: CmdWrite, Param: string(param)}
}

// ParseWriteControl decodes the parameter of a WRITE command.
func ParseWriteControl(param string) (*WriteControlConfig, error) {
	config := new(WriteControlConfig)
	if err := json.Unmarshal([]byte(param), config); err != nil {
		return nil, fmt.Errorf("bad %s parameter: %w", CmdWrite, err)
	}
	return config, nil
}

// WriteControl pauses or unpauses writing, or writes an experiment state
// label. Pausing a WritingState that is not active is not an error.
func (ws *WritingState) WriteControl(config *WriteControlConfig) error {
	request := strings.ToUpper(config.Request)
	switch request {
	case "PAUSE", "UNPAUSE":
		ws.Lock()
		defer ws.Unlock()
		if !ws.Active {
			return nil
		}
		ws.Paused = request == "PAUSE"
		return ws.setExperimentStateLabel(time.Now(), request)
	case "LABEL":
		if config.Label == "" {
			return fmt.Errorf("WriteControl request Label needs a label")
		}
		return ws.SetExperimentStateLabel(time.Now(), config.Label)
	}
	return fmt.Errorf("WriteControl config.Request=%q, need one of (Pause,Unpause,Label). Not case sensitive",
		config.Request)
}
