package bmff

// Entry is a top-level item of a parsed file: either a fully held *Box or
// an *MdatSpan that only records where media data lives.
type Entry interface {
	// Kind returns the four-character type of the entry.
	Kind() BoxType
	// Span returns the entry's byte offset in the input and its total size.
	Span() (offset int64, size uint64)

	isEntry()
}

// Box is a parsed box. Raw aliases the input buffer and covers the whole
// box, header included, so re-emitting Raw reproduces the source bytes.
type Box struct {
	Type       BoxType
	Offset     int64
	Size       uint64
	HeaderSize int // 8, or 16 for a 64-bit size
	Raw        []byte
}

func (b *Box) Kind() BoxType { return b.Type }
func (b *Box) Span() (offset int64, size uint64) { return b.Offset, b.Size }
func (*Box) isEntry() {}

// Payload returns the bytes after the size/type header.
func (b *Box) Payload() []byte { return b.Raw[b.HeaderSize:] }

// MdatSpan locates a media data box without holding its bytes.
type MdatSpan struct {
	Offset        int64
	Size          uint64
	HeaderSize    int
	PayloadOffset int64
	PayloadSize   int64
}

func (m *MdatSpan) Kind() BoxType { return TypeMdat }
func (m *MdatSpan) Span() (offset int64, size uint64) { return m.Offset, m.Size }
func (*MdatSpan) isEntry() {}

// PayloadEnd returns the offset just past the media data.
func (m *MdatSpan) PayloadEnd() int64 { return m.PayloadOffset + m.PayloadSize }

// Contains reports whether [offset, offset+size) lies inside the payload.
func (m *MdatSpan) Contains(offset int64, size uint64) bool {
	if offset < m.PayloadOffset || offset > m.PayloadEnd() {
		return false
	}
	return size <= uint64(m.PayloadEnd()-offset)
}

// File is the top-level view of an MP4 buffer. Ftyp, Moov and Mdat point at
// the first occurrence of each; Entries holds every top-level item in order.
// The entries tile the input exactly.
type File struct {
	Ftyp    *Box
	Moov    *Box
	Mdat    *MdatSpan
	Entries []Entry
}

// Fragmented reports whether the file holds at least one moof.
func (f *File) Fragmented() bool {
	for _, e := range f.Entries {
		if e.Kind() == TypeMoof {
			return true
		}
	}
	return false
}

// Boxes returns every top-level box of type t in file order.
func (f *File) Boxes(t BoxType) []*Box {
	var out []*Box
	for _, e := range f.Entries {
		if b, ok := e.(*Box); ok && b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

// MdatSpans returns every top-level mdat in file order.
func (f *File) MdatSpans() []*MdatSpan {
	var out []*MdatSpan
	for _, e := range f.Entries {
		if m, ok := e.(*MdatSpan); ok {
			out = append(out, m)
		}
	}
	return out
}

// Parse splits data into its top-level boxes. Every top-level box other than
// mdat is kept as a zero-copy *Box; mdat becomes an *MdatSpan.
//
// A size field smaller than the header fails with ErrMalformedBox; a box
// running past the end of data, or trailing bytes too short to hold a
// header, fail with ErrTruncatedData.
func Parse(data []byte) (*File, error) {
	f := &File{}
	r := NewReader(data)
	for r.Next() {
		off := int64(r.Offset())
		if r.Type() == TypeMdat {
			m := &MdatSpan{
				Offset:        off,
				Size:          r.Size(),
				HeaderSize:    r.HeaderSize(),
				PayloadOffset: int64(r.PayloadOffset()),
				PayloadSize:   int64(r.End() - r.PayloadOffset()),
			}
			if f.Mdat == nil {
				f.Mdat = m
			}
			f.Entries = append(f.Entries, m)
			continue
		}
		b := boxAt(&r, off)
		switch {
		case b.Type == TypeFtyp && f.Ftyp == nil:
			f.Ftyp = b
		case b.Type == TypeMoov && f.Moov == nil:
			f.Moov = b
		}
		f.Entries = append(f.Entries, b)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

func boxAt(r *Reader, off int64) *Box {
	return &Box{
		Type:       r.Type(),
		Offset:     off,
		Size:       r.Size(),
		HeaderSize: r.HeaderSize(),
		Raw:        r.RawBox(),
	}
}

// ParseChildren splits a container payload into its child boxes.
// Offsets of the returned boxes are relative to payload.
func ParseChildren(payload []byte) ([]*Box, error) {
	var out []*Box
	r := NewReader(payload)
	for r.Next() {
		out = append(out, boxAt(&r, int64(r.Offset())))
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindBox returns the first child of payload with type t, or nil.
func FindBox(payload []byte, t BoxType) (*Box, error) {
	r := NewReader(payload)
	for r.Next() {
		if r.Type() == t {
			return boxAt(&r, int64(r.Offset())), nil
		}
	}
	return nil, r.Err()
}

// FindBoxPath follows path from payload, taking the first match at each
// level. It returns (nil, nil) when a link of the path is absent.
func FindBoxPath(payload []byte, path ...BoxType) (*Box, error) {
	var b *Box
	for _, t := range path {
		var err error
		b, err = FindBox(payload, t)
		if b == nil || err != nil {
			return nil, err
		}
		payload = b.Payload()
	}
	return b, nil
}

// SampleRef locates a sample's bytes within the parsed input.
type SampleRef struct {
	Offset int64
	Size   uint32
}

// Bytes returns the sample bytes from data, the buffer the file was parsed from.
func (s SampleRef) Bytes(data []byte) ([]byte, error) {
	end := s.Offset + int64(s.Size)
	if s.Offset < 0 || end > int64(len(data)) {
		return nil, &BoxError{Type: TypeMdat, Offset: s.Offset, Err: ErrTruncatedData}
	}
	return data[s.Offset:end], nil
}

// FirstSample locates the first sample of the first track of a flat file.
// Its offset is the first chunk offset; without a chunk table it is the
// start of the first mdat payload. This is enough to pull a poster frame
// out of a progressive file without building the full sample table.
func FirstSample(f *File) (SampleRef, error) {
	if f.Moov == nil {
		return SampleRef{}, MissingBox(TypeMoov)
	}
	stbl, err := FindBoxPath(f.Moov.Payload(), TypeTrak, TypeMdia, TypeMinf, TypeStbl)
	if err != nil {
		return SampleRef{}, err
	}
	if stbl == nil {
		return SampleRef{}, MissingBox(TypeStbl)
	}
	stsz, err := FindBox(stbl.Payload(), TypeStsz)
	if err != nil {
		return SampleRef{}, err
	}
	if stsz == nil {
		return SampleRef{}, MissingBox(TypeStsz)
	}
	it := NewStszIter(stsz.Payload())
	size, ok := it.Next()
	if !ok {
		return SampleRef{}, &BoxError{Type: TypeStsz, Offset: stsz.Offset, Err: ErrTruncatedData}
	}

	ref := SampleRef{Size: size}
	if co, err := FindBox(stbl.Payload(), TypeStco); err != nil {
		return SampleRef{}, err
	} else if co != nil {
		it := NewStcoIter(co.Payload())
		if off, ok := it.Next(); ok {
			ref.Offset = int64(off)
			return ref, nil
		}
	}
	if co, err := FindBox(stbl.Payload(), TypeCo64); err != nil {
		return SampleRef{}, err
	} else if co != nil {
		it := NewCo64Iter(co.Payload())
		if off, ok := it.Next(); ok {
			ref.Offset = int64(off)
			return ref, nil
		}
	}
	if f.Mdat == nil {
		return SampleRef{}, MissingBox(TypeMdat)
	}
	ref.Offset = f.Mdat.PayloadOffset
	return ref, nil
}
