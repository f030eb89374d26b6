package rundaq

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RunState is the part of RunControl that survives a restart: the last run
// number and whether the process exited cleanly. It is stored as
// whitespace-separated "key value" lines.
type RunState struct {
	RunNumber uint32
	CleanExit bool

	fileName string
}

const (
	runStateRunNumber = "RunNumber"
	runStateCleanExit = "CleanExit"
)

// LoadRunState reads fileName. A missing file gives run number 0. When the
// previous RunControl did not exit cleanly the run number is advanced by
// one, so the run it may have started is never reused. The loaded state is
// immediately written back marked unclean until SaveClean is called.
func LoadRunState(fileName string) (*RunState, error) {
	rs := &RunState{fileName: fileName, CleanExit: true}
	f, err := os.Open(fileName)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		if err := rs.parse(f); err != nil {
			return nil, fmt.Errorf("reading run state %s: %w", fileName, err)
		}
	}
	if !rs.CleanExit {
		rs.RunNumber++
	}
	rs.CleanExit = false
	if err := rs.save(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs *RunState) parse(f *os.File) error {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 2 {
			return fmt.Errorf("bad line %q", scanner.Text())
		}
		v, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("bad value for %s: %w", fields[0], err)
		}
		switch fields[0] {
		case runStateRunNumber:
			rs.RunNumber = uint32(v)
		case runStateCleanExit:
			rs.CleanExit = v != 0
		}
	}
	return scanner.Err()
}

// FileName returns where the state is stored.
func (rs *RunState) FileName() string { return rs.fileName }

// Next advances and stores the run number, returning the new value.
func (rs *RunState) Next() (uint32, error) {
	rs.RunNumber++
	return rs.RunNumber, rs.save()
}

// SaveClean records a clean exit.
func (rs *RunState) SaveClean() error {
	rs.CleanExit = true
	return rs.save()
}

func (rs *RunState) save() error {
	if rs.fileName == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(rs.fileName), 0755); err != nil {
		return err
	}
	clean := 0
	if rs.CleanExit {
		clean = 1
	}
	text := fmt.Sprintf("%s %d\n%s %d\n", runStateRunNumber, rs.RunNumber, runStateCleanExit, clean)
	tmp := rs.fileName + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, rs.fileName)
}
