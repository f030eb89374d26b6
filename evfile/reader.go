package evfile

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/rundaq/event"
)

// ErrBadHeader is returned by Open for a file that is not an event file.
var ErrBadHeader = errors.New("not an event file")

// Reader reads an event file record by record.
type Reader struct {
	Header Header

	file   *os.File
	br     *bufio.Reader
	offset int64 // file offset of the next record
}

// Open returns a Reader positioned at the first record.
func Open(fileName string) (*Reader, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	r := &Reader{file: f, br: bufio.NewReaderSize(f, 65536)}
	if err := r.parseHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return r, nil
}

func (r *Reader) parseHeader() error {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if err := json.Unmarshal(line, &r.Header); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if r.Header.FileFormat != FileFormat {
		return fmt.Errorf("%w: format %q", ErrBadHeader, r.Header.FileFormat)
	}
	r.offset = int64(len(line))
	return nil
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Offset returns the file offset of the next record.
func (r *Reader) Offset() int64 { return r.offset }

func (r *Reader) recordLength() (int, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r.br, lb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("truncated record length at offset %d: %w", r.offset, err)
		}
		return 0, err
	}
	n := binary.LittleEndian.Uint32(lb[:])
	if n > MaxRecordSize {
		return 0, fmt.Errorf("record at offset %d claims %d bytes", r.offset, n)
	}
	return int(n), nil
}

// ReadRecord returns the next record, or io.EOF at the end of the file.
func (r *Reader) ReadRecord() ([]byte, error) {
	n, err := r.recordLength()
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return nil, fmt.Errorf("truncated record at offset %d: %w", r.offset, io.ErrUnexpectedEOF)
	}
	r.offset += 4 + int64(n)
	return data, nil
}

// Skip moves past up to n records without reading their contents, and
// returns how many it skipped.
func (r *Reader) Skip(n int) (int, error) {
	for i := 0; i < n; i++ {
		size, err := r.recordLength()
		if err != nil {
			return i, err
		}
		if _, err := r.br.Discard(size); err != nil {
			return i, fmt.Errorf("truncated record at offset %d: %w", r.offset, io.ErrUnexpectedEOF)
		}
		r.offset += 4 + int64(size)
	}
	return n, nil
}

// Seek positions the reader at a record offset, as listed in the index.
func (r *Reader) Seek(offset int64) error {
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	r.br.Reset(r.file)
	r.offset = offset
	return nil
}

// ReadEvent decodes the next record with the given registry.
func (r *Reader) ReadEvent(registry *event.Registry) (event.Event, error) {
	data, err := r.ReadRecord()
	if err != nil {
		return nil, err
	}
	return registry.Unmarshal(data)
}

// ReadIndex reads the record offsets stored next to an event file.
func ReadIndex(fileName string) ([]int64, error) {
	f, err := os.Open(IndexName(fileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var offsets []int64
	if err := npyio.Read(f, &offsets); err != nil {
		return nil, err
	}
	return offsets, nil
}
