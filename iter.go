package bmff

// Table iterators walk the entry arrays of sample table boxes. They take the
// box payload (version/flags included) and stop early, without panicking,
// when the declared count runs past the bytes actually present.

// table is the shared cursor of all fixed-stride entry iterators.
type table struct {
	buf    []byte // entries only
	count  uint32
	index  uint32
	stride int
}

// newTable reads the entry count found at countAt within payload.
func newTable(payload []byte, countAt, stride int) table {
	if len(payload) < countAt+4 {
		return table{}
	}
	return table{
		buf:    payload[countAt+4:],
		count:  be.Uint32(payload[countAt:]),
		stride: stride,
	}
}

func (t *table) next() ([]byte, bool) {
	if t.index >= t.count {
		return nil, false
	}
	off := int(t.index) * t.stride
	if off+t.stride > len(t.buf) {
		return nil, false
	}
	t.index++
	return t.buf[off : off+t.stride], true
}

// Complete reports whether the declared count fits the bytes present.
func (t *table) Complete() bool {
	return uint64(t.count)*uint64(t.stride) <= uint64(len(t.buf))
}

// Count returns the declared number of entries.
func (t *table) Count() uint32 { return t.count }

// StszIter iterates over sample sizes in an stsz box.
type StszIter struct {
	table
	sampleSize uint32
}

// NewStszIter creates an iterator from an stsz payload.
func NewStszIter(payload []byte) StszIter {
	if len(payload) < 12 {
		return StszIter{}
	}
	it := StszIter{sampleSize: be.Uint32(payload[4:8])}
	if it.sampleSize != 0 {
		it.table = table{count: be.Uint32(payload[8:12])}
		return it
	}
	it.table = newTable(payload, 8, 4)
	return it
}

// Next returns the next sample size. Returns (0, false) when done.
func (it *StszIter) Next() (uint32, bool) {
	if it.sampleSize != 0 {
		if it.index >= it.count {
			return 0, false
		}
		it.index++
		return it.sampleSize, true
	}
	b, ok := it.next()
	if !ok {
		return 0, false
	}
	return be.Uint32(b), true
}

// Co64Iter iterates over uint64 chunk offsets in a co64 box.
type Co64Iter struct{ table }

// NewCo64Iter creates an iterator from a co64 payload.
func NewCo64Iter(payload []byte) Co64Iter {
	return Co64Iter{newTable(payload, 4, 8)}
}

// Next returns the next chunk offset. Returns (0, false) when done.
func (it *Co64Iter) Next() (uint64, bool) {
	b, ok := it.next()
	if !ok {
		return 0, false
	}
	return be.Uint64(b), true
}

// Uint32Iter iterates over uint32 entries (stco, stss).
type Uint32Iter struct{ table }

// NewStcoIter creates an iterator over the chunk offsets of an stco payload.
func NewStcoIter(payload []byte) Uint32Iter {
	return Uint32Iter{newTable(payload, 4, 4)}
}

// NewStssIter creates an iterator over the sync sample numbers of an stss payload.
func NewStssIter(payload []byte) Uint32Iter {
	return Uint32Iter{newTable(payload, 4, 4)}
}

// Next returns the next entry. Returns (0, false) when done.
func (it *Uint32Iter) Next() (uint32, bool) {
	b, ok := it.next()
	if !ok {
		return 0, false
	}
	return be.Uint32(b), true
}

// ShiftChunkOffsets adds delta to every chunk offset of an stco or co64
// payload that is at least from, in place. It returns the number of entries
// changed. stco results saturate at 32 bits.
func ShiftChunkOffsets(t BoxType, payload []byte, from uint64, delta int64) int {
	n := 0
	shift := func(v uint64) uint64 {
		if delta < 0 {
			return v - min(v, uint64(-delta))
		}
		return v + uint64(delta)
	}
	switch t {
	case TypeStco:
		it := NewStcoIter(payload)
		for b, ok := it.next(); ok; b, ok = it.next() {
			if v := uint64(be.Uint32(b)); v >= from {
				be.PutUint32(b, saturate32(shift(v)))
				n++
			}
		}
	case TypeCo64:
		it := NewCo64Iter(payload)
		for b, ok := it.next(); ok; b, ok = it.next() {
			if v := be.Uint64(b); v >= from {
				be.PutUint64(b, shift(v))
				n++
			}
		}
	}
	return n
}

// SttsEntry is a time-to-sample entry.
type SttsEntry struct {
	Count    uint32
	Duration uint32
}

// SttsIter iterates over stts entries.
type SttsIter struct{ table }

// NewSttsIter creates an iterator from an stts payload.
func NewSttsIter(payload []byte) SttsIter {
	return SttsIter{newTable(payload, 4, 8)}
}

// Next returns the next entry. Returns false when done.
func (it *SttsIter) Next() (SttsEntry, bool) {
	b, ok := it.next()
	if !ok {
		return SttsEntry{}, false
	}
	return SttsEntry{Count: be.Uint32(b), Duration: be.Uint32(b[4:])}, true
}

// CttsEntry is a composition offset entry.
type CttsEntry struct {
	Count  uint32
	Offset int32
}

// CttsIter iterates over ctts entries. Version 0 offsets are unsigned on
// the wire but real files store small negative values there too, so both
// versions are read as int32.
type CttsIter struct {
	table
	version uint8
}

// NewCttsIter creates an iterator from a ctts payload.
func NewCttsIter(payload []byte) CttsIter {
	if len(payload) < 4 {
		return CttsIter{}
	}
	return CttsIter{table: newTable(payload, 4, 8), version: payload[0]}
}

// Version returns the ctts box version.
func (it *CttsIter) Version() uint8 { return it.version }

// Next returns the next entry. Returns false when done.
func (it *CttsIter) Next() (CttsEntry, bool) {
	b, ok := it.next()
	if !ok {
		return CttsEntry{}, false
	}
	return CttsEntry{Count: be.Uint32(b), Offset: int32(be.Uint32(b[4:]))}, true
}

// StscEntry is a sample-to-chunk entry.
type StscEntry struct {
	FirstChunk          uint32
	SamplesPerChunk     uint32
	SampleDescriptionID uint32
}

// StscIter iterates over stsc entries.
type StscIter struct{ table }

// NewStscIter creates an iterator from an stsc payload.
func NewStscIter(payload []byte) StscIter {
	return StscIter{newTable(payload, 4, 12)}
}

// Next returns the next entry. Returns false when done.
func (it *StscIter) Next() (StscEntry, bool) {
	b, ok := it.next()
	if !ok {
		return StscEntry{}, false
	}
	return StscEntry{
		FirstChunk:          be.Uint32(b),
		SamplesPerChunk:     be.Uint32(b[4:]),
		SampleDescriptionID: be.Uint32(b[8:]),
	}, true
}
