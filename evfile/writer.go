// Package evfile reads and writes run data files.
//
// An event file starts with a JSON header followed by a single newline.
// After the header, each record is one serialized event preceded by its
// length:
//
//	bytes   type    meaning
//	0-3     uint32  record length N, little endian
//	4-N+3   []byte  the event, as written by event.Marshal
//
// When the writer is closed it also writes <file>.idx.npy, a numpy array of
// the int64 file offset of every record, so readers can seek to event n.
package evfile

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/rundaq/asyncbufio"
	"github.com/usnistgov/rundaq/event"
)

// File format identification written to every header.
const (
	FileFormat        = "RUNDAQ-EV"
	FileFormatVersion = "1.0"
)

// MaxRecordSize bounds a single record.
const MaxRecordSize = 256 << 20

// Header is the JSON header of an event file.
type Header struct {
	FileFormat        string
	FileFormatVersion string
	Run               uint32
	RunID             string `json:",omitempty"`
	ConfigName        string `json:",omitempty"`
	SyncMode          string `json:",omitempty"`
	CreationInfo      CreationInfo
}

// CreationInfo stores info related to file creation for printing to the file header
type CreationInfo struct {
	Creator      string
	Version      string
	GitHash      string
	CreationTime time.Time
}

// Writer writes event files
type Writer struct {
	Header

	fileName       string
	file           *os.File
	writer         *asyncbufio.Writer
	offsets        []int64
	nextOffset     int64
	recordsWritten int
	closed         bool
}

// NewWriter creates a new event file writer. No file is created until CreateFile.
func NewWriter(fileName string, header Header) *Writer {
	w := &Writer{Header: header, fileName: fileName}
	w.FileFormat = FileFormat
	w.FileFormatVersion = FileFormatVersion
	if w.CreationInfo.CreationTime.IsZero() {
		w.CreationInfo.CreationTime = time.Now()
	}
	return w
}

// FileName returns the data file name.
func (w *Writer) FileName() string { return w.fileName }

// IndexName returns the name of the offset index written by Close.
func (w *Writer) IndexName() string { return IndexName(w.fileName) }

// IndexName returns the offset index file name for a data file.
func IndexName(fileName string) string { return fileName + ".idx.npy" }

// CreateFile creates the file and writes the header.
func (w *Writer) CreateFile() error {
	if w.file != nil {
		return errors.New("file already exists")
	}
	file, err := os.Create(w.fileName)
	if err != nil {
		return err
	}
	w.file = file
	w.writer = asyncbufio.NewWriter(w.file, 1024, time.Second)

	s, err := json.Marshal(w.Header)
	if err != nil {
		return err
	}
	s = append(s, '\n')
	if _, err := w.writer.Write(s); err != nil {
		return err
	}
	w.nextOffset = int64(len(s))
	return nil
}

// WriteRecord writes one record holding data.
func (w *Writer) WriteRecord(data []byte) error {
	if w.writer == nil || w.closed {
		return errors.New("event file is not open")
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds the %d byte limit", len(data), MaxRecordSize)
	}
	rec := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(rec, uint32(len(data)))
	copy(rec[4:], data)
	if _, err := w.writer.Write(rec); err != nil {
		return err
	}
	w.offsets = append(w.offsets, w.nextOffset)
	w.nextOffset += int64(len(rec))
	w.recordsWritten++
	return nil
}

// WriteEvent serializes ev and writes it as one record.
func (w *Writer) WriteEvent(ev event.Event) error {
	return w.WriteRecord(event.Marshal(ev))
}

// RecordsWritten returns the number of records written.
func (w *Writer) RecordsWritten() int { return w.recordsWritten }

// FileBytes returns the size the file will have once all writes land.
func (w *Writer) FileBytes() int64 {
	if w.writer == nil {
		return 0
	}
	return w.writer.Written()
}

// Flush makes sure everything written so far has reached the file.
func (w *Writer) Flush() error {
	if w.writer == nil || w.closed {
		return nil
	}
	return w.writer.Flush()
}

// Close flushes and closes the file, then writes the offset index.
func (w *Writer) Close() error {
	if w.writer == nil || w.closed {
		return nil
	}
	w.closed = true
	err := w.writer.Close()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if ierr := w.writeIndex(); err == nil {
		err = ierr
	}
	return err
}

func (w *Writer) writeIndex() error {
	f, err := os.Create(w.IndexName())
	if err != nil {
		return err
	}
	offsets := w.offsets
	if offsets == nil {
		offsets = []int64{}
	}
	if err := npyio.Write(f, offsets); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
