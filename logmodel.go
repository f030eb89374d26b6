package rundaq

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// LogColumn is a sortable column of a LogModel.
type LogColumn int

// LogModel columns.
const (
	ColReceived LogColumn = iota
	ColSent
	ColLevel
	ColText
	ColFrom
	ColFile
	ColFunction
)

var logColumnNames = []string{"Received", "Sent", "Level", "Text", "From", "File", "Function"}

func (c LogColumn) String() string {
	if c >= 0 && int(c) < len(logColumnNames) {
		return logColumnNames[c]
	}
	return fmt.Sprintf("LogColumn(%d)", int(c))
}

// LogFilter selects which messages a LogModel shows. Empty strings and a nil
// Search match everything.
type LogFilter struct {
	MinLevel   Level
	SenderType string
	SenderName string
	Search     *regexp.Regexp
}

func (f *LogFilter) match(m *LogMessage) bool {
	if m.Level < f.MinLevel {
		return false
	}
	if f.SenderType != "" && f.SenderType != m.SenderType {
		return false
	}
	if f.SenderName != "" && f.SenderName != m.SenderName {
		return false
	}
	if f.Search != nil && !f.Search.MatchString(m.Message) && !f.Search.MatchString(m.Sender()) {
		return false
	}
	return true
}

// LogModel is the ordered in-memory log kept by a LogCollector: every
// message ever added, plus a filtered and sorted view of them.
type LogModel struct {
	mu        sync.Mutex
	all       []*LogMessage
	view      []*LogMessage
	filter    LogFilter
	column    LogColumn
	ascending bool
}

// NewLogModel returns an empty model sorted by ascending receive time.
func NewLogModel() *LogModel {
	return &LogModel{column: ColReceived, ascending: true}
}

func (lm *LogModel) compare(a, b *LogMessage) int {
	switch lm.column {
	case ColReceived:
		return a.Received.Compare(b.Received)
	case ColSent:
		return a.Time.Compare(b.Time)
	case ColLevel:
		return compareInts(int64(a.Level), int64(b.Level))
	case ColText:
		return strings.Compare(a.Message, b.Message)
	case ColFrom:
		return strings.Compare(a.Sender(), b.Sender())
	case ColFile:
		if c := strings.Compare(a.File, b.File); c != 0 {
			return c
		}
		return compareInts(int64(a.Line), int64(b.Line))
	case ColFunction:
		return strings.Compare(a.Func, b.Func)
	}
	return 0
}

func (lm *LogModel) less(a, b *LogMessage) bool {
	c := lm.compare(a, b)
	if !lm.ascending {
		c = -c
	}
	return c < 0
}

// Add appends msg to the log and, if it passes the filter, inserts it into
// the view after any messages that sort equal to it.
func (lm *LogModel) Add(msg *LogMessage) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.all = append(lm.all, msg)
	if !lm.filter.match(msg) {
		return
	}
	i := sort.Search(len(lm.view), func(i int) bool { return lm.less(msg, lm.view[i]) })
	lm.view = append(lm.view, nil)
	copy(lm.view[i+1:], lm.view[i:])
	lm.view[i] = msg
}

func (lm *LogModel) rebuild() {
	lm.view = lm.view[:0]
	for _, m := range lm.all {
		if lm.filter.match(m) {
			lm.view = append(lm.view, m)
		}
	}
	sort.SliceStable(lm.view, func(i, j int) bool { return lm.less(lm.view[i], lm.view[j]) })
}

// SetFilter replaces the filter and rebuilds the view.
func (lm *LogModel) SetFilter(f LogFilter) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.filter = f
	lm.rebuild()
}

// SetSearch filters on a regular expression matched against the message
// text and sender. An empty pattern clears the search.
func (lm *LogModel) SetSearch(pattern string) error {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			return err
		}
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.filter.Search = re
	lm.rebuild()
	return nil
}

// SortBy changes the sort column and direction. Messages that compare equal
// keep their arrival order.
func (lm *LogModel) SortBy(column LogColumn, ascending bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.column = column
	lm.ascending = ascending
	lm.rebuild()
}

// Rows returns the filtered, sorted view.
func (lm *LogModel) Rows() []*LogMessage {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]*LogMessage, len(lm.view))
	copy(out, lm.view)
	return out
}

// Len returns the number of messages in the view.
func (lm *LogModel) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.view)
}

// Total returns the number of messages ever added.
func (lm *LogModel) Total() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.all)
}

// Senders returns the distinct senders seen, sorted.
func (lm *LogModel) Senders() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range lm.all {
		if s := m.Sender(); !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// LoadFile adds every message in a log file written by a LogCollector. It
// returns the number of lines that could not be parsed.
func (lm *LogModel) LoadFile(filename string) (int, error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	bad := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		msg, err := ParseLogLine(line)
		if err != nil {
			bad++
			continue
		}
		lm.Add(msg)
	}
	return bad, scanner.Err()
}
