package bmff

import (
	"fmt"
	"io"
)

// ScanEntry is a top-level box discovered by the Scanner.
type ScanEntry struct {
	Type       BoxType
	Size       int64 // total box size including header
	Offset     int64 // byte offset from start of stream
	HeaderSize int   // header size (8 or 16 bytes)
}

// DataSize returns the size of the box data (excluding the header).
func (e ScanEntry) DataSize() int64 {
	return e.Size - int64(e.HeaderSize)
}

// Scanner reads top-level box headers from an io.ReadSeeker without
// loading box contents into memory. Callers discover box positions and
// sizes, then read only the boxes they need (moov, moof) into a buffer.
//
//	sc := bmff.NewScanner(f)
//	for sc.Next() {
//	    if e := sc.Entry(); e.Type == bmff.TypeMoov {
//	        raw, err := sc.ReadBox(limit)
//	        ...
//	    }
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	rs    io.ReadSeeker
	hdr   [16]byte // reusable header buffer
	entry ScanEntry
	err   error
	pos   int64 // current position in stream
}

// NewScanner creates a Scanner that reads box headers from rs.
func NewScanner(rs io.ReadSeeker) Scanner {
	return Scanner{rs: rs}
}

func (s *Scanner) fail(t BoxType, err error) bool {
	s.err = &BoxError{Type: t, Offset: s.pos, Err: err}
	return false
}

// Next advances to the next top-level box. Returns false at a clean end of
// stream or on error; check Err after the loop. A partial header or a box
// running past the end of the stream is ErrTruncatedData.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	_, err := io.ReadFull(s.rs, s.hdr[:8])
	switch {
	case err == io.EOF:
		return false
	case err == io.ErrUnexpectedEOF:
		return s.fail(BoxType{}, ErrTruncatedData)
	case err != nil:
		s.err = err
		return false
	}

	size := int64(be.Uint32(s.hdr[:4]))
	var t BoxType
	copy(t[:], s.hdr[4:8])

	headerSize := 8
	if size == 1 {
		if _, err := io.ReadFull(s.rs, s.hdr[8:16]); err != nil {
			return s.fail(t, ErrTruncatedData)
		}
		size = int64(be.Uint64(s.hdr[8:16]))
		headerSize = 16
	}

	end, err := s.streamEnd()
	if err != nil {
		s.err = err
		return false
	}
	if size == 0 {
		size = end - s.pos
	}
	if size < int64(headerSize) {
		return s.fail(t, ErrMalformedBox)
	}
	if s.pos+size > end {
		return s.fail(t, ErrTruncatedData)
	}

	s.entry = ScanEntry{
		Type:       t,
		Size:       size,
		Offset:     s.pos,
		HeaderSize: headerSize,
	}
	s.pos += size
	if _, err := s.rs.Seek(s.pos, io.SeekStart); err != nil {
		s.err = err
		return false
	}
	return true
}

// streamEnd returns the stream length, restoring the read position.
func (s *Scanner) streamEnd() (int64, error) {
	cur, err := s.rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := s.rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := s.rs.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

// Entry returns the current box entry. Only valid after Next returns true.
func (s *Scanner) Entry() ScanEntry {
	return s.entry
}

// Err returns the first error encountered by the Scanner.
func (s *Scanner) Err() error {
	return s.err
}

// ReadBox reads the current box, header included. Boxes larger than limit
// bytes are refused so a corrupt size field cannot trigger a huge allocation.
// A limit <= 0 disables the check.
func (s *Scanner) ReadBox(limit int64) ([]byte, error) {
	if limit > 0 && s.entry.Size > limit {
		return nil, fmt.Errorf("bmff: %s box of %d bytes exceeds limit of %d", s.entry.Type, s.entry.Size, limit)
	}
	buf := make([]byte, s.entry.Size)
	if _, err := s.rs.Seek(s.entry.Offset, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.rs, buf); err != nil {
		return nil, err
	}
	if _, err := s.rs.Seek(s.pos, io.SeekStart); err != nil {
		return nil, err
	}
	return buf, nil
}
