package bmff

// maxDepth limits the reader/writer nesting stack.
const maxDepth = 16

// readerFrame stores parent state when entering a container box.
type readerFrame struct {
	end    int // parent's iteration end boundary
	boxEnd int // position to resume after exiting this container
}

// Reader walks a buffer of ISO-BMFF boxes without copying.
//
// Next stops at the end of the current level or at the first malformed
// header; Err reports which. Slices returned by the accessors alias the
// original buffer.
type Reader struct {
	buf []byte
	pos int // next position to parse from
	end int // iteration end boundary

	// Current box state
	boxType      BoxType
	boxSize      uint64
	boxStart     int
	boxEnd       int
	payloadStart int // first byte after the size/type header
	dataStart    int // first byte after the FullBox version/flags, if any

	// Full box fields
	version uint8
	flags   uint32

	// Nesting stack
	stack [maxDepth]readerFrame
	depth int

	err error
}

// NewReader creates a Reader for the given buffer.
func NewReader(buf []byte) Reader {
	return Reader{
		buf: buf,
		end: len(buf),
	}
}

// Err returns the error that stopped iteration, or nil if Next simply ran
// out of boxes at the current level.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(t BoxType, off int, err error) bool {
	r.err = &BoxError{Type: t, Offset: int64(off), Err: err}
	return false
}

// Next advances to the next sibling box. Returns false if no more boxes
// or if the next header is invalid.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	// Skip past current box
	if r.boxEnd > r.pos {
		r.pos = r.boxEnd
	}

	remaining := r.end - r.pos
	if remaining <= 0 {
		return false
	}
	if remaining < 8 {
		return r.fail(BoxType{}, r.pos, ErrTruncatedData)
	}

	r.boxStart = r.pos
	size := uint64(be.Uint32(r.buf[r.pos:]))
	copy(r.boxType[:], r.buf[r.pos+4:r.pos+8])
	ptr := r.pos + 8

	// Extended size
	if size == 1 {
		if remaining < 16 {
			return r.fail(r.boxType, r.pos, ErrTruncatedData)
		}
		size = be.Uint64(r.buf[ptr:])
		ptr += 8
	}

	// Size 0 means box extends to end of data
	if size == 0 {
		size = uint64(remaining)
	}

	if size < uint64(ptr-r.pos) {
		return r.fail(r.boxType, r.pos, ErrMalformedBox)
	}
	if size > uint64(remaining) {
		return r.fail(r.boxType, r.pos, ErrTruncatedData)
	}

	r.boxSize = size
	r.boxEnd = r.boxStart + int(size)
	r.payloadStart = ptr

	// Parse full box header if applicable
	if IsFullBox(r.boxType) {
		if r.boxEnd-ptr < 4 {
			return r.fail(r.boxType, r.pos, ErrTruncatedData)
		}
		vf := be.Uint32(r.buf[ptr:])
		r.version = uint8(vf >> 24)
		r.flags = vf & 0x00ffffff
		ptr += 4
	} else {
		r.version = 0
		r.flags = 0
	}

	r.dataStart = ptr
	return true
}

// Type returns the current box's type.
func (r *Reader) Type() BoxType { return r.boxType }

// Size returns the current box's total size including header.
func (r *Reader) Size() uint64 { return r.boxSize }

// Version returns the version field for full boxes.
func (r *Reader) Version() uint8 { return r.version }

// Flags returns the flags field for full boxes.
func (r *Reader) Flags() uint32 { return r.flags }

// Offset returns the byte offset of the current box's start in the buffer.
func (r *Reader) Offset() int { return r.boxStart }

// End returns the byte offset just past the current box.
func (r *Reader) End() int { return r.boxEnd }

// PayloadOffset returns the byte offset of the first byte after the
// size/type header. For full boxes this is where version/flags live.
func (r *Reader) PayloadOffset() int { return r.payloadStart }

// DataOffset returns the byte offset where the current box's data begins.
func (r *Reader) DataOffset() int { return r.dataStart }

// HeaderSize returns the size of the current box's size/type header (8 or 16).
func (r *Reader) HeaderSize() int { return r.payloadStart - r.boxStart }

// Payload returns everything after the size/type header, including the
// version/flags of full boxes.
func (r *Reader) Payload() []byte {
	return r.buf[r.payloadStart:r.boxEnd]
}

// Data returns the current box's data (after all headers).
// Note that, the returned slice points into the original buffer.
func (r *Reader) Data() []byte {
	return r.buf[r.dataStart:r.boxEnd]
}

// RawBox returns the entire current box including headers.
// Note that, the returned slice points into the original buffer.
func (r *Reader) RawBox() []byte {
	return r.buf[r.boxStart:r.boxEnd]
}

// Depth returns the current nesting depth (0 at top level).
func (r *Reader) Depth() int { return r.depth }

// Enter descends into the current container box to iterate its children.
// After Enter, call Next to advance to the first child box.
// Call Exit when done to return to the parent level.
// Enter returns false once the nesting limit is reached.
//
// For boxes like stsd or dref that have an entry count before child boxes,
// call Skip(4) after Enter to skip past the count field.
func (r *Reader) Enter() bool {
	if r.depth == maxDepth {
		return r.fail(r.boxType, r.boxStart, ErrMalformedBox)
	}
	r.stack[r.depth] = readerFrame{
		end:    r.end,
		boxEnd: r.boxEnd,
	}
	r.depth++
	r.end = r.boxEnd
	r.pos = r.dataStart
	r.boxEnd = r.dataStart // prevent Next from skipping
	return true
}

// Exit returns to the parent container level.
// After Exit, the next call to Next will advance to the next sibling.
func (r *Reader) Exit() {
	r.depth--
	f := r.stack[r.depth]
	r.end = f.end
	r.pos = f.boxEnd
	r.boxEnd = f.boxEnd
}

// Skip advances the data position by n bytes within the current container.
// Use after Enter to skip fixed-size headers before child boxes.
func (r *Reader) Skip(n int) {
	r.pos = min(r.pos+n, r.end)
	r.boxEnd = r.pos
}

// EntryCount reads the uint32 entry count at the start of box data.
// Used for boxes like stsd and dref that begin with a count field.
// A box too short to hold the count reports zero.
func (r *Reader) EntryCount() uint32 {
	data := r.Data()
	if len(data) < 4 {
		return 0
	}
	return be.Uint32(data[0:4])
}
