package bmff

import "slices"

// writerFrame tracks the start offset of a box for size backpatching.
type writerFrame struct {
	offset int
	large  bool // header reserved a 64-bit size
}

// Writer encodes ISOBMFF boxes into a growable byte buffer.
//
// Boxes are opened with StartBox and closed with EndBox, which backpatches
// the size. A box that ends up larger than 4 GiB is promoted to a 16-byte
// header on EndBox.
type Writer struct {
	buf   []byte
	stack [maxDepth]writerFrame
	depth int
}

// NewWriter creates a Writer that appends to buf[:0].
func NewWriter(buf []byte) Writer {
	return Writer{buf: buf[:0]}
}

// Bytes returns the written data.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Write appends raw bytes. Implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *Writer) putUint8(v byte)    { w.buf = append(w.buf, v) }
func (w *Writer) putUint16(v uint16) { w.buf = be.AppendUint16(w.buf, v) }
func (w *Writer) putUint32(v uint32) { w.buf = be.AppendUint32(w.buf, v) }
func (w *Writer) putUint64(v uint64) { w.buf = be.AppendUint64(w.buf, v) }
func (w *Writer) putInt32(v int32)   { w.putUint32(uint32(v)) }
func (w *Writer) putBytes(p []byte)  { w.buf = append(w.buf, p...) }
func (w *Writer) putString(s string) { w.buf = append(w.buf, s...) }
func (w *Writer) putZeros(n int)     { w.buf = append(w.buf, make([]byte, n)...) }
func (w *Writer) putType(t BoxType)  { w.buf = append(w.buf, t[:]...) }
func (w *Writer) putBrand(b [4]byte) { w.buf = append(w.buf, b[:]...) }
func (w *Writer) putMatrix()         { w.buf = append(w.buf, identityMatrix[:]...) }

func (w *Writer) putFullHeader(version uint8, flags uint32) {
	w.buf = append(w.buf, version, byte(flags>>16), byte(flags>>8), byte(flags))
}

// putFixedString writes a fixed-length string field with null padding.
func (w *Writer) putFixedString(s string, length int) {
	if len(s) > length {
		s = s[:length]
	}
	w.putString(s)
	w.putZeros(length - len(s))
}

var identityMatrix = [36]byte{
	0x00, 0x01, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0x00, 0x01, 0x00, 0x00, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0x40, 0x00, 0x00, 0x00,
}

// Reset empties the writer, keeping its buffer.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.depth = 0
}

func (w *Writer) push(large bool) {
	w.stack[w.depth] = writerFrame{offset: len(w.buf), large: large}
	w.depth++
}

// StartBox begins a new box. Write content, then call EndBox.
func (w *Writer) StartBox(t BoxType) {
	w.push(false)
	w.putUint32(0) // placeholder size
	w.putType(t)
}

// StartLargeBox begins a box with a 16-byte header regardless of its final size.
func (w *Writer) StartLargeBox(t BoxType) {
	w.push(true)
	w.putUint32(1)
	w.putType(t)
	w.putUint64(0) // placeholder size
}

// StartFullBox begins a new full box with version and flags.
func (w *Writer) StartFullBox(t BoxType, version uint8, flags uint32) {
	w.StartBox(t)
	w.putFullHeader(version, flags)
}

// EndBox finishes the current box by backpatching its size.
func (w *Writer) EndBox() {
	w.depth--
	f := w.stack[w.depth]
	size := uint64(len(w.buf) - f.offset)
	switch {
	case f.large:
		be.PutUint64(w.buf[f.offset+8:], size)
	case size > uint32Max:
		w.buf = slices.Insert(w.buf, f.offset+8, make([]byte, 8)...)
		be.PutUint32(w.buf[f.offset:], 1)
		be.PutUint64(w.buf[f.offset+8:], size+8)
	default:
		be.PutUint32(w.buf[f.offset:], uint32(size))
	}
}

// WriteBoxHeader writes a bare size/type header for a box whose payload the
// caller streams separately, such as mdat. A 16-byte header is used when
// the box would not fit a 32-bit size.
func (w *Writer) WriteBoxHeader(t BoxType, payloadSize uint64) {
	if payloadSize+8 > uint32Max {
		w.putUint32(1)
		w.putType(t)
		w.putUint64(payloadSize + 16)
		return
	}
	w.putUint32(uint32(payloadSize + 8))
	w.putType(t)
}

// BoxHeaderSize returns the header length WriteBoxHeader uses for payloadSize.
func BoxHeaderSize(payloadSize uint64) int {
	if payloadSize+8 > uint32Max {
		return 16
	}
	return 8
}

// AppendBox appends a complete box of type t with the given payload to dst.
func AppendBox(dst []byte, t BoxType, payload []byte) []byte {
	w := Writer{buf: dst}
	w.WriteBoxHeader(t, uint64(len(payload)))
	w.putBytes(payload)
	return w.buf
}

// WriteFtyp writes a complete ftyp box.
func (w *Writer) WriteFtyp(brand [4]byte, brandVersion uint32, compat [][4]byte) {
	w.writeBrands(TypeFtyp, brand, brandVersion, compat)
}

// WriteStyp writes a segment type box (same format as ftyp).
func (w *Writer) WriteStyp(brand [4]byte, brandVersion uint32, compat [][4]byte) {
	w.writeBrands(TypeStyp, brand, brandVersion, compat)
}

func (w *Writer) writeBrands(t BoxType, brand [4]byte, brandVersion uint32, compat [][4]byte) {
	w.StartBox(t)
	w.putBrand(brand)
	w.putUint32(brandVersion)
	for _, c := range compat {
		w.putBrand(c)
	}
	w.EndBox()
}

// NewMvhd returns a movie header with unity rate and volume and an identity matrix.
func NewMvhd(timescale uint32, duration uint64, nextTrackID uint32) MediaHeader {
	var t Writer
	t.putUint32(0x00010000) // rate 1.0
	t.putUint16(0x0100)     // volume 1.0
	t.putZeros(10)          // reserved
	t.putMatrix()
	t.putZeros(24) // predefined
	t.putUint32(nextTrackID)
	return MediaHeader{Type: TypeMvhd, Timescale: timescale, Duration: duration, tail: t.buf}
}

// NewTkhd returns a track header. Width and height are 16.16 fixed point.
func NewTkhd(flags, trackID uint32, duration uint64, width, height uint32) MediaHeader {
	var t Writer
	t.putZeros(8)  // reserved
	t.putUint16(0) // layer
	t.putUint16(0) // alternate group
	if width == 0 && height == 0 {
		t.putUint16(0x0100) // volume 1.0 for audio
	} else {
		t.putUint16(0)
	}
	t.putUint16(0) // reserved
	t.putMatrix()
	t.putUint32(width)
	t.putUint32(height)
	return MediaHeader{Type: TypeTkhd, Flags: flags, TrackID: trackID, Duration: duration, tail: t.buf}
}

// NewMdhd returns a media header with the given packed ISO-639-2 language.
func NewMdhd(timescale uint32, duration uint64, language uint16) MediaHeader {
	var t Writer
	t.putUint16(language)
	t.putUint16(0) // quality
	return MediaHeader{Type: TypeMdhd, Timescale: timescale, Duration: duration, tail: t.buf}
}

// WriteMediaHeader writes h as a complete mvhd, tkhd or mdhd box at the given version.
func (w *Writer) WriteMediaHeader(h *MediaHeader, version uint8) {
	w.StartBox(h.Type)
	w.buf = h.AppendPayload(w.buf, version)
	w.EndBox()
}

// WriteHdlr writes a complete hdlr box.
func (w *Writer) WriteHdlr(handlerType [4]byte, name string) {
	w.StartFullBox(TypeHdlr, 0, 0)
	w.putUint32(0) // predefined
	w.putBrand(handlerType)
	w.putZeros(12) // reserved
	w.putString(name)
	w.putUint8(0) // null terminator
	w.EndBox()
}

// WriteVmhd writes a complete vmhd box.
func (w *Writer) WriteVmhd() {
	w.StartFullBox(TypeVmhd, 0, 1)
	w.putUint16(0) // graphicsmode
	w.putZeros(6)  // opcolor
	w.EndBox()
}

// WriteSmhd writes a complete smhd box.
func (w *Writer) WriteSmhd() {
	w.StartFullBox(TypeSmhd, 0, 0)
	w.putUint16(0) // balance
	w.putUint16(0) // reserved
	w.EndBox()
}

// WriteDinf writes a dinf box holding a dref with a single self-referencing url entry.
func (w *Writer) WriteDinf() {
	w.StartBox(TypeDinf)
	w.StartFullBox(TypeDref, 0, 0)
	w.putUint32(1) // entry count
	w.StartFullBox(TypeUrl, 0, 1)
	w.EndBox()
	w.EndBox()
	w.EndBox()
}

// WriteStsz writes a complete stsz box. A non-zero sampleSize writes no
// table; count is then the number of samples.
func (w *Writer) WriteStsz(sampleSize uint32, count uint32, entries []uint32) {
	w.StartFullBox(TypeStsz, 0, 0)
	w.putUint32(sampleSize)
	if sampleSize != 0 {
		w.putUint32(count)
	} else {
		w.putUint32(uint32(len(entries)))
		for _, e := range entries {
			w.putUint32(e)
		}
	}
	w.EndBox()
}

// WriteStco writes a complete stco box.
func (w *Writer) WriteStco(entries []uint32) {
	w.writeUint32Table(TypeStco, entries)
}

// WriteStss writes a complete stss box.
func (w *Writer) WriteStss(entries []uint32) {
	w.writeUint32Table(TypeStss, entries)
}

func (w *Writer) writeUint32Table(t BoxType, entries []uint32) {
	w.StartFullBox(t, 0, 0)
	w.putUint32(uint32(len(entries)))
	for _, e := range entries {
		w.putUint32(e)
	}
	w.EndBox()
}

// WriteCo64 writes a complete co64 box.
func (w *Writer) WriteCo64(entries []uint64) {
	w.StartFullBox(TypeCo64, 0, 0)
	w.putUint32(uint32(len(entries)))
	for _, e := range entries {
		w.putUint64(e)
	}
	w.EndBox()
}

// WriteStts writes a complete stts box.
func (w *Writer) WriteStts(entries []SttsEntry) {
	w.StartFullBox(TypeStts, 0, 0)
	w.putUint32(uint32(len(entries)))
	for _, e := range entries {
		w.putUint32(e.Count)
		w.putUint32(e.Duration)
	}
	w.EndBox()
}

// WriteCtts writes a complete ctts box. Version 1 marks the offsets as signed.
func (w *Writer) WriteCtts(version uint8, entries []CttsEntry) {
	w.StartFullBox(TypeCtts, version, 0)
	w.putUint32(uint32(len(entries)))
	for _, e := range entries {
		w.putUint32(e.Count)
		w.putInt32(e.Offset)
	}
	w.EndBox()
}

// WriteStsc writes a complete stsc box.
func (w *Writer) WriteStsc(entries []StscEntry) {
	w.StartFullBox(TypeStsc, 0, 0)
	w.putUint32(uint32(len(entries)))
	for _, e := range entries {
		w.putUint32(e.FirstChunk)
		w.putUint32(e.SamplesPerChunk)
		w.putUint32(e.SampleDescriptionID)
	}
	w.EndBox()
}

// ElstEntry is an edit list entry played at normal rate.
type ElstEntry struct {
	SegmentDuration uint64
	MediaTime       int64
}

// WriteEdts writes an edts box holding a single elst.
func (w *Writer) WriteEdts(entries []ElstEntry) {
	v1 := false
	for _, e := range entries {
		if e.SegmentDuration > uint32Max || e.MediaTime != int64(int32(e.MediaTime)) {
			v1 = true
			break
		}
	}
	w.StartBox(TypeEdts)
	if v1 {
		w.StartFullBox(TypeElst, 1, 0)
	} else {
		w.StartFullBox(TypeElst, 0, 0)
	}
	w.putUint32(uint32(len(entries)))
	for _, e := range entries {
		if v1 {
			w.putUint64(e.SegmentDuration)
			w.putUint64(uint64(e.MediaTime))
		} else {
			w.putUint32(uint32(e.SegmentDuration))
			w.putUint32(uint32(e.MediaTime))
		}
		w.putUint16(1) // media rate integer
		w.putUint16(0) // media rate fraction
	}
	w.EndBox()
	w.EndBox()
}

// WriteMehd writes a complete mehd box.
func (w *Writer) WriteMehd(fragmentDuration uint64) {
	if fragmentDuration > uint32Max {
		w.StartFullBox(TypeMehd, 1, 0)
		w.putUint64(fragmentDuration)
	} else {
		w.StartFullBox(TypeMehd, 0, 0)
		w.putUint32(uint32(fragmentDuration))
	}
	w.EndBox()
}

// WriteTrex writes a complete trex box.
func (w *Writer) WriteTrex(t Trex) {
	w.StartFullBox(TypeTrex, 0, 0)
	w.putUint32(t.TrackID)
	w.putUint32(t.SampleDescriptionIndex)
	w.putUint32(t.Duration)
	w.putUint32(t.Size)
	w.putUint32(t.Flags)
	w.EndBox()
}

// WriteMfhd writes a complete mfhd box.
func (w *Writer) WriteMfhd(sequenceNumber uint32) {
	w.StartFullBox(TypeMfhd, 0, 0)
	w.putUint32(sequenceNumber)
	w.EndBox()
}

// WriteTfhd writes a complete tfhd box; optional fields follow t.Flags.
func (w *Writer) WriteTfhd(t Tfhd) {
	w.StartFullBox(TypeTfhd, 0, t.Flags)
	w.putUint32(t.TrackID)
	if t.Has(TfhdBaseDataOffsetPresent) {
		w.putUint64(t.BaseDataOffset)
	}
	if t.Has(TfhdSampleDescriptionIndexPresent) {
		w.putUint32(t.SampleDescriptionIndex)
	}
	if t.Has(TfhdDefaultSampleDurationPresent) {
		w.putUint32(t.DefaultSampleDuration)
	}
	if t.Has(TfhdDefaultSampleSizePresent) {
		w.putUint32(t.DefaultSampleSize)
	}
	if t.Has(TfhdDefaultSampleFlagsPresent) {
		w.putUint32(t.DefaultSampleFlags)
	}
	w.EndBox()
}

// WriteTfdt writes a complete tfdt box. Version 0 saturates the decode time.
func (w *Writer) WriteTfdt(version uint8, baseMediaDecodeTime uint64) {
	w.StartFullBox(TypeTfdt, version, 0)
	if version == 1 {
		w.putUint64(baseMediaDecodeTime)
	} else {
		w.putUint32(saturate32(baseMediaDecodeTime))
	}
	w.EndBox()
}

// WriteTrun writes a complete trun box; per-sample fields follow t.Flags.
func (w *Writer) WriteTrun(t *Trun) {
	w.StartFullBox(TypeTrun, t.Version, t.Flags)
	w.putUint32(uint32(len(t.Samples)))
	if t.HasDataOffset() {
		w.putInt32(t.DataOffset)
	}
	if t.Flags&TrunFirstSampleFlagsPresent != 0 {
		w.putUint32(t.FirstSampleFlags)
	}
	for _, e := range t.Samples {
		if t.Flags&TrunSampleDurationPresent != 0 {
			w.putUint32(e.Duration)
		}
		if t.Flags&TrunSampleSizePresent != 0 {
			w.putUint32(e.Size)
		}
		if t.Flags&TrunSampleFlagsPresent != 0 {
			w.putUint32(e.Flags)
		}
		if t.Flags&TrunSampleCompositionTimeOffsetPresent != 0 {
			w.putInt32(e.CompositionTimeOffset)
		}
	}
	w.EndBox()
}

// WriteVisualSampleEntry writes the 78-byte visual sample entry header.
// The caller must start the box (e.g. avc1) and end it after writing children.
func (w *Writer) WriteVisualSampleEntry(dataRefIdx, width, height, frameCount, depth uint16, compressor string) {
	w.putZeros(6)           // reserved
	w.putUint16(dataRefIdx) // data reference index
	w.putZeros(16)          // predefined + reserved
	w.putUint16(width)
	w.putUint16(height)
	w.putUint32(0x00480000) // hresolution 72 dpi
	w.putUint32(0x00480000) // vresolution 72 dpi
	w.putZeros(4)           // reserved
	w.putUint16(frameCount)
	w.putUint8(byte(min(len(compressor), 31)))
	w.putFixedString(compressor, 31)
	w.putUint16(depth)
	w.putUint16(0xffff) // predefined = -1
}

// WriteAudioSampleEntry writes the 28-byte audio sample entry header.
// The caller must start the box (e.g. mp4a) and end it after writing children.
func (w *Writer) WriteAudioSampleEntry(dataRefIdx, channelCount, sampleSize uint16, sampleRate uint32) {
	w.putZeros(6) // reserved
	w.putUint16(dataRefIdx)
	w.putZeros(8) // reserved
	w.putUint16(channelCount)
	w.putUint16(sampleSize)
	w.putZeros(4)           // predefined + reserved
	w.putUint32(sampleRate) // 16.16 fixed point
}
