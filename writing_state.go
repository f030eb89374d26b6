package rundaq

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/usnistgov/rundaq/event"
	"github.com/usnistgov/rundaq/evfile"
)

// WritingState monitors the state of file writing for one run.
type WritingState struct {
	Active                       bool
	Paused                       bool
	BasePath                     string
	FilenamePattern              string
	FileName                     string
	Run                          uint32
	ExperimentStateFilename      string
	ExperimentStateLabel         string
	ExperimentStateLabelUnixNano int64
	experimentStateFile          *os.File
	writer                       *evfile.Writer
	sync.Mutex
}

// WritingStatus is a copy of the public fields of a WritingState.
type WritingStatus struct {
	Active                  bool
	Paused                  bool
	FileName                string
	Run                     uint32
	ExperimentStateFilename string
	ExperimentStateLabel    string
	RecordsWritten          int
	FileBytes               int64
}

// IsActive will return ws.Active, with proper locking
func (ws *WritingState) IsActive() bool {
	ws.Lock()
	defer ws.Unlock()
	return ws.Active
}

// ComputeState returns a copy of the state. It does not copy open files.
func (ws *WritingState) ComputeState() WritingStatus {
	ws.Lock()
	defer ws.Unlock()
	st := WritingStatus{
		Active:                  ws.Active,
		Paused:                  ws.Paused,
		FileName:                ws.FileName,
		Run:                     ws.Run,
		ExperimentStateFilename: ws.ExperimentStateFilename,
		ExperimentStateLabel:    ws.ExperimentStateLabel,
	}
	if ws.writer != nil {
		st.RecordsWritten = ws.writer.RecordsWritten()
		st.FileBytes = ws.writer.FileBytes()
	}
	return st
}

// RunFilenamePattern returns the pattern for the files of a run in path.
// The pattern takes a file kind and an extension, e.g. ("events", "rdq").
func RunFilenamePattern(path string, run uint32) string {
	return filepath.Join(path, fmt.Sprintf("run%06d_%%s.%%s", run))
}

// Start will set the WritingState to begin writing run header.Run
func (ws *WritingState) Start(path string, header evfile.Header) error {
	ws.Lock()
	defer ws.Unlock()
	if ws.Active {
		return fmt.Errorf("already writing %s", ws.FileName)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	pattern := RunFilenamePattern(path, header.Run)
	w := evfile.NewWriter(fmt.Sprintf(pattern, "events", "rdq"), header)
	if err := w.CreateFile(); err != nil {
		return err
	}
	ws.Active = true
	ws.Paused = false
	ws.BasePath = path
	ws.FilenamePattern = pattern
	ws.FileName = w.FileName()
	ws.Run = header.Run
	ws.writer = w
	ws.ExperimentStateFilename = fmt.Sprintf(pattern, "experiment_state", "txt")
	return ws.setExperimentStateLabel(time.Now(), "START")
}

// WriteEvent writes ev to the open file. Data events are skipped while
// paused; BORE and EORE events are always written.
func (ws *WritingState) WriteEvent(ev event.Event) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return nil
	}
	if h := ev.Header(); ws.Paused && !h.IsBORE() && !h.IsEORE() {
		return nil
	}
	return ws.writer.WriteEvent(ev)
}

// FileBytes returns the size of the open file, or 0.
func (ws *WritingState) FileBytes() int64 {
	ws.Lock()
	defer ws.Unlock()
	if ws.writer == nil {
		return 0
	}
	return ws.writer.FileBytes()
}

// Close is Stop, so a WritingState can be used as an EventSink.
func (ws *WritingState) Close() error {
	return ws.Stop()
}

// Stop will set the WritingState to be completely stopped
func (ws *WritingState) Stop() error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return nil
	}
	ws.Active = false
	ws.Paused = false
	var err error
	if ws.writer != nil {
		err = ws.writer.Close()
		ws.writer = nil
	}
	if ws.experimentStateFile != nil {
		if lerr := ws.setExperimentStateLabel(time.Now(), "STOP"); lerr != nil && err == nil {
			err = lerr
		}
		if cerr := ws.experimentStateFile.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close experimentStatefile, err: %v", cerr)
		}
	}
	ws.experimentStateFile = nil
	ws.FilenamePattern = ""
	ws.ExperimentStateFilename = ""
	ws.ExperimentStateLabel = ""
	ws.ExperimentStateLabelUnixNano = 0
	return err
}

// SetExperimentStateLabel writes to a file with name like runNNNNNN_experiment_state.txt
// The file is created upon the first call to this function for a given file writing.
// This exported version locks the WritingState object.
func (ws *WritingState) SetExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot set experiment state label when writing is not active")
	}
	return ws.setExperimentStateLabel(timestamp, stateLabel)
}

func (ws *WritingState) setExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	if ws.experimentStateFile == nil {
		// create state file if neccesary
		var err error
		ws.experimentStateFile, err = os.Create(ws.ExperimentStateFilename)
		if err != nil {
			return fmt.Errorf("%v, filename: <%v>", err, ws.ExperimentStateFilename)
		}
		if _, err := ws.experimentStateFile.WriteString("# unix time in nanoseconds, state label\n"); err != nil {
			return err
		}
	}
	ws.ExperimentStateLabel = stateLabel
	ws.ExperimentStateLabelUnixNano = timestamp.UnixNano()
	_, err := fmt.Fprintf(ws.experimentStateFile, "%v, %v\n", ws.ExperimentStateLabelUnixNano, stateLabel)
	return err
}
