package bmff

import (
	"math"
	"math/bits"
)

// MediaHeader is the decoded form of an mvhd, tkhd or mdhd payload.
//
// Only the version-dependent leading fields are decoded. Everything after
// the duration (rate, matrix, language...) is kept verbatim so that
// AppendPayload reproduces the source bytes exactly when nothing changed.
type MediaHeader struct {
	Type             BoxType
	Version          uint8
	Flags            uint32
	CreationTime     uint64
	ModificationTime uint64
	TrackID          uint32 // tkhd only
	Timescale        uint32 // mvhd and mdhd only
	Duration         uint64

	reserved uint32 // tkhd only
	tail     []byte
}

// ParseMediaHeader decodes the payload of an mvhd, tkhd or mdhd box.
func ParseMediaHeader(t BoxType, payload []byte) (MediaHeader, error) {
	h := MediaHeader{Type: t}
	c := NewCursor(payload)
	var err error
	if h.Version, err = c.Uint8(); err != nil {
		return h, boxErr(t, err)
	}
	if h.Flags, err = c.Uint24(); err != nil {
		return h, boxErr(t, err)
	}
	wide := h.Version == 1
	if h.CreationTime, err = c.UintN(wide); err != nil {
		return h, boxErr(t, err)
	}
	if h.ModificationTime, err = c.UintN(wide); err != nil {
		return h, boxErr(t, err)
	}
	if t == TypeTkhd {
		if h.TrackID, err = c.Uint32(); err != nil {
			return h, boxErr(t, err)
		}
		if h.reserved, err = c.Uint32(); err != nil {
			return h, boxErr(t, err)
		}
	} else if h.Timescale, err = c.Uint32(); err != nil {
		return h, boxErr(t, err)
	}
	if h.Duration, err = c.UintN(wide); err != nil {
		return h, boxErr(t, err)
	}
	h.tail = c.Rest()
	return h, nil
}

// AppendPayload appends the header payload encoded at the given version.
// Encoding at version 0 saturates each 64-bit field to 32 bits.
func (h *MediaHeader) AppendPayload(dst []byte, version uint8) []byte {
	dst = append(dst, version, byte(h.Flags>>16), byte(h.Flags>>8), byte(h.Flags))
	putN := func(v uint64) {
		if version == 1 {
			dst = be.AppendUint64(dst, v)
		} else {
			dst = be.AppendUint32(dst, saturate32(v))
		}
	}
	putN(h.CreationTime)
	putN(h.ModificationTime)
	if h.Type == TypeTkhd {
		dst = be.AppendUint32(dst, h.TrackID)
		dst = be.AppendUint32(dst, h.reserved)
	} else {
		dst = be.AppendUint32(dst, h.Timescale)
	}
	putN(h.Duration)
	return append(dst, h.tail...)
}

// Rewrite encodes h over payload at h's own version. The encoded length
// always matches the source payload, so the box can be patched in place.
func (h *MediaHeader) Rewrite(payload []byte) {
	copy(payload, h.AppendPayload(make([]byte, 0, len(payload)), h.Version))
}

// Rescale converts v from one timescale to another, rounding down and
// saturating at MaxUint64. A zero source timescale leaves v unchanged.
func Rescale(v uint64, from, to uint32) uint64 {
	if from == 0 || from == to {
		return v
	}
	hi, lo := bits.Mul64(v, uint64(to))
	if hi >= uint64(from) {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, uint64(from))
	return q
}

// TimestampInfo is the timestamp summary of one mvhd, tkhd or mdhd.
type TimestampInfo struct {
	Type             BoxType
	Version          uint8
	CreationTime     uint64
	ModificationTime uint64
	Duration         uint64
	Timescale        uint32 // zero for tkhd
}

// TimestampInfo returns the timestamp summary of h.
func (h *MediaHeader) TimestampInfo() TimestampInfo {
	return TimestampInfo{
		Type:             h.Type,
		Version:          h.Version,
		CreationTime:     h.CreationTime,
		ModificationTime: h.ModificationTime,
		Duration:         h.Duration,
		Timescale:        h.Timescale,
	}
}

// ReadTimestamps returns the timestamps of the mvhd in moov followed by the
// tkhd and mdhd of every trak, in file order.
func ReadTimestamps(moov *Box) ([]TimestampInfo, error) {
	var out []TimestampInfo
	r := NewReader(moov.Payload())
	var walk func() error
	walk = func() error {
		for r.Next() {
			switch t := r.Type(); t {
			case TypeMvhd, TypeTkhd, TypeMdhd:
				h, err := ParseMediaHeader(t, r.Payload())
				if err != nil {
					return err
				}
				out = append(out, h.TimestampInfo())
			case TypeTrak, TypeMdia:
				if !r.Enter() {
					return r.Err()
				}
				if err := walk(); err != nil {
					return err
				}
				r.Exit()
			}
		}
		return r.Err()
	}
	if err := walk(); err != nil {
		return nil, err
	}
	return out, nil
}

// SampleDefaults are the per-sample values used when a trun omits a field.
type SampleDefaults struct {
	Duration uint32
	Size     uint32
	Flags    uint32
}

// Tfhd flags (Track Fragment Header Box).
const (
	TfhdBaseDataOffsetPresent         = 0x000001
	TfhdSampleDescriptionIndexPresent = 0x000002
	TfhdDefaultSampleDurationPresent  = 0x000008
	TfhdDefaultSampleSizePresent      = 0x000010
	TfhdDefaultSampleFlagsPresent     = 0x000020
	TfhdDurationIsEmpty               = 0x010000
	TfhdDefaultBaseIsMoof             = 0x020000
)

// Tfhd is a decoded track fragment header.
type Tfhd struct {
	Flags                  uint32
	TrackID                uint32
	BaseDataOffset         uint64
	SampleDescriptionIndex uint32
	DefaultSampleDuration  uint32
	DefaultSampleSize      uint32
	DefaultSampleFlags     uint32
}

// Has reports whether flag is set.
func (t *Tfhd) Has(flag uint32) bool { return t.Flags&flag != 0 }

// Defaults overlays the defaults present in the tfhd on fallback (usually
// the trex defaults of the same track).
func (t *Tfhd) Defaults(fallback SampleDefaults) SampleDefaults {
	d := fallback
	if t.Has(TfhdDefaultSampleDurationPresent) {
		d.Duration = t.DefaultSampleDuration
	}
	if t.Has(TfhdDefaultSampleSizePresent) {
		d.Size = t.DefaultSampleSize
	}
	if t.Has(TfhdDefaultSampleFlagsPresent) {
		d.Flags = t.DefaultSampleFlags
	}
	return d
}

// ParseTfhd decodes a tfhd payload.
func ParseTfhd(payload []byte) (Tfhd, error) {
	var t Tfhd
	c := NewCursor(payload)
	if err := c.Skip(1); err != nil {
		return t, boxErr(TypeTfhd, err)
	}
	var err error
	if t.Flags, err = c.Uint24(); err != nil {
		return t, boxErr(TypeTfhd, err)
	}
	if t.TrackID, err = c.Uint32(); err != nil {
		return t, boxErr(TypeTfhd, err)
	}
	if t.Has(TfhdBaseDataOffsetPresent) {
		if t.BaseDataOffset, err = c.Uint64(); err != nil {
			return t, boxErr(TypeTfhd, err)
		}
	}
	for _, f := range []struct {
		flag uint32
		dst  *uint32
	}{
		{TfhdSampleDescriptionIndexPresent, &t.SampleDescriptionIndex},
		{TfhdDefaultSampleDurationPresent, &t.DefaultSampleDuration},
		{TfhdDefaultSampleSizePresent, &t.DefaultSampleSize},
		{TfhdDefaultSampleFlagsPresent, &t.DefaultSampleFlags},
	} {
		if !t.Has(f.flag) {
			continue
		}
		if *f.dst, err = c.Uint32(); err != nil {
			return t, boxErr(TypeTfhd, err)
		}
	}
	return t, nil
}

// Trex is a decoded track extends box.
type Trex struct {
	TrackID                uint32
	SampleDescriptionIndex uint32
	SampleDefaults
}

// ParseTrex decodes a trex payload.
func ParseTrex(payload []byte) (Trex, error) {
	var t Trex
	c := NewCursor(payload)
	if err := c.Skip(4); err != nil {
		return t, boxErr(TypeTrex, err)
	}
	for _, dst := range []*uint32{&t.TrackID, &t.SampleDescriptionIndex, &t.Duration, &t.Size, &t.Flags} {
		v, err := c.Uint32()
		if err != nil {
			return t, boxErr(TypeTrex, err)
		}
		*dst = v
	}
	return t, nil
}

// ReadTrexes returns the trex boxes of moov/mvex keyed by track ID. A moov
// without mvex yields an empty map.
func ReadTrexes(moov *Box) (map[uint32]Trex, error) {
	out := make(map[uint32]Trex)
	mvex, err := FindBox(moov.Payload(), TypeMvex)
	if err != nil || mvex == nil {
		return out, err
	}
	children, err := ParseChildren(mvex.Payload())
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.Type != TypeTrex {
			continue
		}
		t, err := ParseTrex(c.Payload())
		if err != nil {
			return nil, err
		}
		out[t.TrackID] = t
	}
	return out, nil
}

// ParseFullBoxHeader returns the version and flags at the start of a full
// box payload.
func ParseFullBoxHeader(payload []byte) (version uint8, flags uint32, err error) {
	c := NewCursor(payload)
	if version, err = c.Uint8(); err != nil {
		return 0, 0, err
	}
	if flags, err = c.Uint24(); err != nil {
		return 0, 0, err
	}
	return version, flags, nil
}

// Trun flags.
const (
	TrunDataOffsetPresent                  = 0x000001
	TrunFirstSampleFlagsPresent            = 0x000004
	TrunSampleDurationPresent              = 0x000100
	TrunSampleSizePresent                  = 0x000200
	TrunSampleFlagsPresent                 = 0x000400
	TrunSampleCompositionTimeOffsetPresent = 0x000800
)

// TrunEntry is a track run sample entry with defaults already applied.
type TrunEntry struct {
	Duration              uint32
	Size                  uint32
	Flags                 uint32
	CompositionTimeOffset int32
}

// Trun is a decoded track fragment run.
type Trun struct {
	Version          uint8
	Flags            uint32
	DataOffset       int32
	FirstSampleFlags uint32
	Samples          []TrunEntry
}

// HasDataOffset reports whether the run carries its own data offset.
func (t *Trun) HasDataOffset() bool { return t.Flags&TrunDataOffsetPresent != 0 }

// Duration returns the sum of the run's sample durations.
func (t *Trun) Duration() uint64 {
	var d uint64
	for _, s := range t.Samples {
		d += uint64(s.Duration)
	}
	return d
}

// DataSize returns the sum of the run's sample sizes.
func (t *Trun) DataSize() uint64 {
	var n uint64
	for _, s := range t.Samples {
		n += uint64(s.Size)
	}
	return n
}

// maxUniformRunSamples caps the sample count of a run without per-sample
// fields. Such a run costs the same few bytes for any count.
const maxUniformRunSamples = 1 << 20

// trunCursor positions a cursor at the first sample record of a trun
// payload and returns the run header with the sample count and the size of
// one sample record.
func trunCursor(payload []byte) (*Trun, *Cursor, uint32, int, error) {
	t := &Trun{}
	var err error
	if t.Version, t.Flags, err = ParseFullBoxHeader(payload); err != nil {
		return nil, nil, 0, 0, boxErr(TypeTrun, err)
	}
	c := NewCursor(payload)
	c.Skip(4)
	count, err := c.Uint32()
	if err != nil {
		return nil, nil, 0, 0, boxErr(TypeTrun, err)
	}
	if t.HasDataOffset() {
		if t.DataOffset, err = c.Int32(); err != nil {
			return nil, nil, 0, 0, boxErr(TypeTrun, err)
		}
	}
	if t.Flags&TrunFirstSampleFlagsPresent != 0 {
		if t.FirstSampleFlags, err = c.Uint32(); err != nil {
			return nil, nil, 0, 0, boxErr(TypeTrun, err)
		}
	}

	stride := 0
	for _, f := range []uint32{TrunSampleDurationPresent, TrunSampleSizePresent, TrunSampleFlagsPresent, TrunSampleCompositionTimeOffsetPresent} {
		if t.Flags&f != 0 {
			stride += 4
		}
	}
	if uint64(count)*uint64(stride) > uint64(c.Remaining()) {
		return nil, nil, 0, 0, &BoxError{Type: TypeTrun, Offset: int64(c.Pos()), Err: ErrTruncatedData}
	}
	return t, &c, count, stride, nil
}

// next decodes the sample record at c, filling omitted fields from d. The
// caller has checked that c holds the record.
func (t *Trun) next(c *Cursor, i uint32, d SampleDefaults) TrunEntry {
	s := TrunEntry{Duration: d.Duration, Size: d.Size, Flags: d.Flags}
	if i == 0 && t.Flags&TrunFirstSampleFlagsPresent != 0 {
		s.Flags = t.FirstSampleFlags
	}
	if t.Flags&TrunSampleDurationPresent != 0 {
		s.Duration, _ = c.Uint32()
	}
	if t.Flags&TrunSampleSizePresent != 0 {
		s.Size, _ = c.Uint32()
	}
	if t.Flags&TrunSampleFlagsPresent != 0 {
		s.Flags, _ = c.Uint32()
	}
	if t.Flags&TrunSampleCompositionTimeOffsetPresent != 0 {
		s.CompositionTimeOffset, _ = c.Int32()
	}
	return s
}

// ParseTrun decodes a trun payload, filling omitted per-sample fields from d.
// first_sample_flags, when present, replaces the flags of sample 0 unless
// per-sample flags are present too.
//
// A run without per-sample fields may not declare more than 1<<20 samples.
// Callers that only need totals should use SumTrun, which allocates nothing.
func ParseTrun(payload []byte, d SampleDefaults) (*Trun, error) {
	t, c, count, stride, err := trunCursor(payload)
	if err != nil {
		return nil, err
	}
	if stride == 0 && count > maxUniformRunSamples {
		return nil, &BoxError{Type: TypeTrun, Offset: 4, Err: ErrMalformedBox}
	}
	t.Samples = make([]TrunEntry, count)
	for i := range t.Samples {
		t.Samples[i] = t.next(c, uint32(i), d)
	}
	return t, nil
}

// TrunTotals sums a track run.
type TrunTotals struct {
	SampleCount uint32
	Duration    uint64
	DataSize    uint64
}

// SumTrun returns the sample count, duration and data size of a trun
// payload without materializing its samples.
func SumTrun(payload []byte, d SampleDefaults) (TrunTotals, error) {
	t, c, count, stride, err := trunCursor(payload)
	if err != nil {
		return TrunTotals{}, err
	}
	sum := TrunTotals{SampleCount: count}
	if stride == 0 {
		sum.Duration = uint64(count) * uint64(d.Duration)
		sum.DataSize = uint64(count) * uint64(d.Size)
		return sum, nil
	}
	for i := range count {
		s := t.next(c, i, d)
		sum.Duration += uint64(s.Duration)
		sum.DataSize += uint64(s.Size)
	}
	return sum, nil
}

// IsSyncSample reports whether sample flags mark a sync sample, that is
// whether sample_depends_on (bits 24-25) is 0 (unknown) or 2 (independent).
func IsSyncSample(flags uint32) bool {
	dependsOn := (flags >> 24) & 0x3
	return dependsOn == 0 || dependsOn == 2
}

// ReadTfdt returns the version and base media decode time of a tfdt payload.
func ReadTfdt(payload []byte) (version uint8, baseMediaDecodeTime uint64, err error) {
	if version, _, err = ParseFullBoxHeader(payload); err != nil {
		return 0, 0, boxErr(TypeTfdt, err)
	}
	c := NewCursor(payload[4:])
	if baseMediaDecodeTime, err = c.UintN(version == 1); err != nil {
		return 0, 0, boxErr(TypeTfdt, err)
	}
	return version, baseMediaDecodeTime, nil
}

// PutTfdt overwrites the base media decode time of a tfdt payload in place,
// keeping its version. Version 0 values saturate at 32 bits.
func PutTfdt(payload []byte, baseMediaDecodeTime uint64) error {
	version, _, err := ReadTfdt(payload)
	if err != nil {
		return err
	}
	if version == 1 {
		be.PutUint64(payload[4:], baseMediaDecodeTime)
	} else {
		be.PutUint32(payload[4:], saturate32(baseMediaDecodeTime))
	}
	return nil
}

// ReadHandlerType returns the handler_type of an hdlr payload.
func ReadHandlerType(payload []byte) ([4]byte, error) {
	var h [4]byte
	c := NewCursor(payload)
	if err := c.Skip(8); err != nil {
		return h, boxErr(TypeHdlr, err)
	}
	b, err := c.Bytes(4)
	if err != nil {
		return h, boxErr(TypeHdlr, err)
	}
	copy(h[:], b)
	return h, nil
}

// ReadHandlerName returns the NUL-terminated name of an hdlr payload.
func ReadHandlerName(payload []byte) string {
	if len(payload) <= 24 {
		return ""
	}
	name := payload[24:]
	for i, b := range name {
		if b == 0 {
			return string(name[:i])
		}
	}
	return string(name)
}

// FtypInfo holds parsed fields from an ftyp or styp box.
type FtypInfo struct {
	MajorBrand   [4]byte
	MinorVersion uint32
	Compatible   [][4]byte
}

// ReadFtyp parses an ftyp payload.
func ReadFtyp(payload []byte) (FtypInfo, error) {
	var f FtypInfo
	c := NewCursor(payload)
	b, err := c.Bytes(4)
	if err != nil {
		return f, boxErr(TypeFtyp, err)
	}
	copy(f.MajorBrand[:], b)
	if f.MinorVersion, err = c.Uint32(); err != nil {
		return f, boxErr(TypeFtyp, err)
	}
	for c.Remaining() >= 4 {
		b, _ := c.Bytes(4)
		f.Compatible = append(f.Compatible, [4]byte(b))
	}
	return f, nil
}

// boxErr tags a cursor error with the box type it was decoding.
func boxErr(t BoxType, err error) error {
	if e, ok := err.(*BoxError); ok && e.Type == (BoxType{}) {
		return &BoxError{Type: t, Offset: e.Offset, Err: e.Err}
	}
	return err
}
