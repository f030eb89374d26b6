package rundaq

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SortColumn selects the key a ConnectionRegistry keeps its entries ordered by.
type SortColumn int

// Registry sort columns.
const (
	SortByID SortColumn = iota
	SortByType
	SortByName
	SortByState
	SortByRemote
)

// RegistryEntry is one row of a ConnectionRegistry: who is (or was) on the
// other end of a control connection and what it last reported.
type RegistryEntry struct {
	Info      ConnectionInfo
	Status    *Status // nil until the first report
	Mandatory bool
}

// State returns the reported state, StateUninit before any report.
func (e RegistryEntry) State() State {
	if e.Status == nil {
		return StateUninit
	}
	return e.Status.State
}

// ConnectionRegistry tracks every component that has identified itself to
// RunControl. Entries are never removed: a disconnect only disables the
// entry, and a later connection with the same type and name takes the slot
// back over. Entries are kept in display order, sorted by the active column.
type ConnectionRegistry struct {
	mu        sync.Mutex
	entries   []*RegistryEntry
	column    SortColumn
	ascending bool
	log       *Logger
}

// NewConnectionRegistry returns an empty registry sorted by ascending id.
func NewConnectionRegistry(log *Logger) *ConnectionRegistry {
	return &ConnectionRegistry{column: SortByID, ascending: true, log: log}
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// less reports whether a sorts before b. Ties are broken by ascending id so
// the order is total whatever the column.
func (r *ConnectionRegistry) less(a, b *RegistryEntry) bool {
	var c int
	switch r.column {
	case SortByType:
		c = strings.Compare(a.Info.Type, b.Info.Type)
	case SortByName:
		c = strings.Compare(a.Info.Name, b.Info.Name)
	case SortByState:
		c = compareInts(int64(a.State()), int64(b.State()))
	case SortByRemote:
		c = strings.Compare(a.Info.Remote, b.Info.Remote)
	}
	if !r.ascending {
		c = -c
	}
	if c == 0 {
		c = compareInts(int64(a.Info.ID), int64(b.Info.ID))
	}
	return c < 0
}

// insert places e at its sorted position, found by binary search.
func (r *ConnectionRegistry) insert(e *RegistryEntry) {
	i := sort.Search(len(r.entries), func(i int) bool { return r.less(e, r.entries[i]) })
	r.entries = append(r.entries, nil)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

func (r *ConnectionRegistry) remove(e *RegistryEntry) {
	for i, x := range r.entries {
		if x == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// reposition moves e after one of its sort keys changed.
func (r *ConnectionRegistry) reposition(e *RegistryEntry) {
	r.remove(e)
	r.insert(e)
}

// find returns the entry for ci: an enabled entry with the same connection
// id, or else any entry matching type and name.
func (r *ConnectionRegistry) find(ci ConnectionInfo) *RegistryEntry {
	for _, e := range r.entries {
		if e.Info.Enabled() && e.Info.ID == ci.ID && e.Info.Matches(ci) {
			return e
		}
	}
	for _, e := range r.entries {
		if e.Info.Matches(ci) {
			return e
		}
	}
	return nil
}

// Register adds ci. A disabled entry with the same type and name is reused,
// keeping its slot with the new address and id. Registering an identity
// that is currently connected is an error.
func (r *ConnectionRegistry) Register(ci ConnectionInfo, mandatory bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ci.State < ConnIdentified {
		ci.State = ConnIdentified
	}
	for _, e := range r.entries {
		if !e.Info.Matches(ci) {
			continue
		}
		if e.Info.Enabled() {
			return fmt.Errorf("%s is already connected from %s", ci.FullName(), e.Info.Remote)
		}
		e.Info = ci
		e.Status = nil
		e.Mandatory = mandatory
		r.reposition(e)
		return nil
	}
	r.insert(&RegistryEntry{Info: ci, Mandatory: mandatory})
	return nil
}

// Disconnect disables the entry for ci. It reports false, and logs a
// warning, when ci was never registered.
func (r *ConnectionRegistry) Disconnect(ci ConnectionInfo) bool {
	r.mu.Lock()
	e := r.find(ci)
	if e != nil && e.Info.ID == ci.ID {
		e.Info.State = ConnDisconnected
	}
	r.mu.Unlock()
	if e == nil {
		r.log.Warnf("disconnect from unregistered connection %s", ci)
		return false
	}
	return true
}

// UpdateStatus replaces the stored Status of ci's entry. It reports false,
// and logs a warning, for an unknown or disconnected identity.
func (r *ConnectionRegistry) UpdateStatus(ci ConnectionInfo, st *Status) bool {
	r.mu.Lock()
	e := r.find(ci)
	ok := e != nil && e.Info.Enabled()
	if ok {
		e.Status = st.Clone()
		if st.Level == LevelBusy {
			e.Info.State = ConnBusy
		} else {
			e.Info.State = ConnIdentified
		}
		if r.column == SortByState {
			r.reposition(e)
		}
	}
	r.mu.Unlock()
	if !ok {
		r.log.Warnf("status from unregistered connection %s ignored", ci)
	}
	return ok
}

// Lookup returns a copy of the entry matching ci's type and name.
func (r *ConnectionRegistry) Lookup(ci ConnectionInfo) (RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.find(ci)
	if e == nil {
		return RegistryEntry{}, false
	}
	return copyEntry(e), true
}

func copyEntry(e *RegistryEntry) RegistryEntry {
	c := *e
	if e.Status != nil {
		c.Status = e.Status.Clone()
	}
	return c
}

// Entries returns copies of all entries in display order.
func (r *ConnectionRegistry) Entries() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegistryEntry, len(r.entries))
	for i, e := range r.entries {
		out[i] = copyEntry(e)
	}
	return out
}

// Len returns the number of entries, connected or not.
func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SetSort changes the active sort column and direction and re-sorts.
func (r *ConnectionRegistry) SetSort(column SortColumn, ascending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.column = column
	r.ascending = ascending
	sort.SliceStable(r.entries, func(i, j int) bool { return r.less(r.entries[i], r.entries[j]) })
}

// ConnectedStates returns the states of connected entries, optionally only
// of the mandatory ones.
func (r *ConnectionRegistry) ConnectedStates(mandatoryOnly bool) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []State
	for _, e := range r.entries {
		if e.Info.Enabled() && (e.Mandatory || !mandatoryOnly) {
			states = append(states, e.State())
		}
	}
	return states
}
