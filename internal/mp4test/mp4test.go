// Package mp4test builds small synthetic MP4 files for tests: init
// segments, media segments and flat progressive files.
package mp4test

import (
	bmff "github.com/tetsuo/mp4flat"
)

// Sample flags used by fixtures.
const (
	SyncFlags    uint32 = 0x02000000 // depends_on = 2
	NonSyncFlags uint32 = 0x01010000 // depends_on = 1, non-sync
)

// CreationTime is written into every fixture header so that tests can
// tell a reset header from an untouched one.
const CreationTime = 3_700_000_000

// Track describes one track of an init segment or flat file.
type Track struct {
	ID            uint32
	Timescale     uint32
	Handler       [4]byte // bmff.HandlerVideo or bmff.HandlerSound
	HeaderVersion uint8   // version of tkhd and mdhd
	Duration      uint64  // tkhd and mdhd duration
	Trex          bmff.SampleDefaults
	EditList      bool
}

// Video returns a 90 kHz video track.
func Video(id uint32) Track {
	return Track{ID: id, Timescale: 90000, Handler: bmff.HandlerVideo}
}

// Audio returns a 48 kHz audio track.
func Audio(id uint32) Track {
	return Track{ID: id, Timescale: 48000, Handler: bmff.HandlerSound}
}

// Sample is one media sample.
type Sample struct {
	Duration          uint32
	Size              uint32
	Flags             uint32
	CompositionOffset int32
}

// Samples returns n samples of equal duration and size. The first one is a
// sync sample.
func Samples(n int, duration, size uint32) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{Duration: duration, Size: size, Flags: NonSyncFlags}
	}
	if n > 0 {
		out[0].Flags = SyncFlags
	}
	return out
}

// Fragment is one traf of a media segment.
type Fragment struct {
	TrackID        uint32
	BaseDecodeTime uint64
	TfdtVersion    uint8
	NoTfdt         bool
	Samples        []Sample

	// Defaults, when set, go into tfhd and the trun omits per-sample
	// durations, sizes and flags. Samples must then all match it.
	Defaults *bmff.SampleDefaults
	// UseTrex omits every per-sample field and every tfhd default, leaving
	// the track's trex defaults to describe the samples.
	UseTrex bool
}

// Fill returns the byte every payload byte of sample i of a track is set to.
func Fill(trackID uint32, i int) byte {
	return byte(trackID<<5) ^ byte(i)
}

// Payload returns the concatenated sample bytes of f.
func (f *Fragment) Payload(first int) []byte {
	var out []byte
	for i, s := range f.Samples {
		b := Fill(f.TrackID, first+i)
		for range s.Size {
			out = append(out, b)
		}
	}
	return out
}

func ftyp(w *bmff.Writer, major string) {
	w.WriteFtyp(brand(major), 512, [][4]byte{brand("isom"), brand("iso6"), brand("mp41")})
}

func brand(s string) [4]byte {
	var b [4]byte
	copy(b[:], s)
	return b
}

// Init returns ftyp+moov with an mvex, as found at the start of a fragmented stream.
func Init(tracks ...Track) []byte {
	w := bmff.NewWriter(nil)
	ftyp(&w, "iso6")
	w.StartBox(bmff.TypeMoov)
	writeMvhd(&w, tracks)
	for _, t := range tracks {
		writeTrak(&w, t, nil, nil)
	}
	w.StartBox(bmff.TypeMvex)
	w.WriteMehd(0)
	for _, t := range tracks {
		w.WriteTrex(bmff.Trex{TrackID: t.ID, SampleDescriptionIndex: 1, SampleDefaults: t.Trex})
	}
	w.EndBox()
	w.EndBox()
	return w.Bytes()
}

func writeMvhd(w *bmff.Writer, tracks []Track) {
	var next uint32 = 1
	var version uint8
	var duration uint64
	for _, t := range tracks {
		next = max(next, t.ID+1)
		version = max(version, t.HeaderVersion)
		duration = max(duration, t.Duration)
	}
	h := bmff.NewMvhd(1000, duration, next)
	h.CreationTime, h.ModificationTime = CreationTime, CreationTime+1
	w.WriteMediaHeader(&h, version)
}

// writeTrak writes a trak. Without samples the sample tables are empty.
func writeTrak(w *bmff.Writer, t Track, samples []Sample, offsets []uint32) {
	w.StartBox(bmff.TypeTrak)
	var width, height uint32
	if t.Handler == bmff.HandlerVideo {
		width, height = 640<<16, 360<<16
	}
	tkhd := bmff.NewTkhd(0x3, t.ID, t.Duration, width, height)
	tkhd.CreationTime, tkhd.ModificationTime = CreationTime, CreationTime+1
	w.WriteMediaHeader(&tkhd, t.HeaderVersion)
	if t.EditList {
		w.WriteEdts([]bmff.ElstEntry{{SegmentDuration: t.Duration, MediaTime: 0}})
	}

	w.StartBox(bmff.TypeMdia)
	mdhd := bmff.NewMdhd(t.Timescale, t.Duration, 0x55c4)
	mdhd.CreationTime, mdhd.ModificationTime = CreationTime, CreationTime+1
	w.WriteMediaHeader(&mdhd, t.HeaderVersion)
	if t.Handler == bmff.HandlerVideo {
		w.WriteHdlr(t.Handler, "VideoHandler")
	} else {
		w.WriteHdlr(t.Handler, "SoundHandler")
	}

	w.StartBox(bmff.TypeMinf)
	if t.Handler == bmff.HandlerVideo {
		w.WriteVmhd()
	} else {
		w.WriteSmhd()
	}
	w.WriteDinf()
	w.StartBox(bmff.TypeStbl)
	writeStsd(w, t)

	var stts []bmff.SttsEntry
	var sizes []uint32
	for _, s := range samples {
		if n := len(stts); n > 0 && stts[n-1].Duration == s.Duration {
			stts[n-1].Count++
		} else {
			stts = append(stts, bmff.SttsEntry{Count: 1, Duration: s.Duration})
		}
		sizes = append(sizes, s.Size)
	}
	w.WriteStts(stts)
	if len(samples) > 0 {
		w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionID: 1}})
	} else {
		w.WriteStsc(nil)
	}
	w.WriteStsz(0, 0, sizes)
	w.WriteStco(offsets)
	w.EndBox() // stbl
	w.EndBox() // minf
	w.EndBox() // mdia
	w.EndBox() // trak
}

func writeStsd(w *bmff.Writer, t Track) {
	w.StartFullBox(bmff.TypeStsd, 0, 0)
	w.Write([]byte{0, 0, 0, 1})
	if t.Handler == bmff.HandlerVideo {
		w.StartBox(bmff.TypeAvc1)
		w.WriteVisualSampleEntry(1, 640, 360, 1, 0x18, "")
		w.StartBox(bmff.TypeAvcC)
		// Baseline profile, level 3.0, no parameter sets.
		w.Write([]byte{1, 0x42, 0xc0, 0x1e, 0xff, 0xe0, 0x00})
		w.EndBox()
		w.EndBox()
	} else {
		w.StartBox(bmff.TypeMp4a)
		w.WriteAudioSampleEntry(1, 2, 16, 48000<<16)
		w.StartFullBox(bmff.TypeEsds, 0, 0)
		w.Write([]byte{
			0x03, 25, 0x00, 0x01, 0x00, // ES_Descriptor
			0x04, 17, 0x40, 0x15, 0, 0, 0, 0, 0x01, 0xf4, 0x00, 0, 0x01, 0xf4, 0x00, // DecoderConfigDescriptor
			0x05, 2, 0x11, 0x90, // AAC-LC, 48 kHz, stereo
			0x06, 1, 0x02, // SLConfigDescriptor
		})
		w.EndBox()
		w.EndBox()
	}
	w.EndBox()
}

// Styp returns a segment type box.
func Styp() []byte {
	w := bmff.NewWriter(nil)
	w.WriteStyp(brand("msdh"), 0, [][4]byte{brand("msdh"), brand("msix")})
	return w.Bytes()
}

// Segment returns a moof+mdat pair holding frags, in traf order. Sample
// data of each fragment follows the data of the previous one.
func Segment(seq uint32, frags ...Fragment) []byte {
	moof := writeMoof(seq, frags, 0)
	moof = writeMoof(seq, frags, len(moof)+8)

	w := bmff.NewWriter(nil)
	w.Write(moof)
	w.StartBox(bmff.TypeMdat)
	for i := range frags {
		w.Write(frags[i].Payload(0))
	}
	w.EndBox()
	return w.Bytes()
}

// writeMoof writes a moof whose first sample lives dataStart bytes after
// the moof start.
func writeMoof(seq uint32, frags []Fragment, dataStart int) []byte {
	w := bmff.NewWriter(nil)
	w.StartBox(bmff.TypeMoof)
	w.WriteMfhd(seq)
	offset := dataStart
	for _, f := range frags {
		w.StartBox(bmff.TypeTraf)
		tfhd := bmff.Tfhd{Flags: bmff.TfhdDefaultBaseIsMoof, TrackID: f.TrackID}
		trun := &bmff.Trun{Flags: bmff.TrunDataOffsetPresent, DataOffset: int32(offset)}
		switch d := f.Defaults; {
		case f.UseTrex:
		case d != nil:
			tfhd.Flags |= bmff.TfhdDefaultSampleDurationPresent | bmff.TfhdDefaultSampleSizePresent | bmff.TfhdDefaultSampleFlagsPresent
			tfhd.DefaultSampleDuration, tfhd.DefaultSampleSize, tfhd.DefaultSampleFlags = d.Duration, d.Size, d.Flags
		default:
			trun.Flags |= bmff.TrunSampleDurationPresent | bmff.TrunSampleSizePresent | bmff.TrunSampleFlagsPresent
		}
		for _, s := range f.Samples {
			if s.CompositionOffset != 0 {
				trun.Flags |= bmff.TrunSampleCompositionTimeOffsetPresent
				trun.Version = 1
			}
			trun.Samples = append(trun.Samples, bmff.TrunEntry{
				Duration:              s.Duration,
				Size:                  s.Size,
				Flags:                 s.Flags,
				CompositionTimeOffset: s.CompositionOffset,
			})
			offset += int(s.Size)
		}
		w.WriteTfhd(tfhd)
		if !f.NoTfdt {
			w.WriteTfdt(f.TfdtVersion, f.BaseDecodeTime)
		}
		w.WriteTrun(trun)
		w.EndBox()
	}
	w.EndBox()
	return w.Bytes()
}

// FlatTrack is a track of a progressive file together with its samples.
type FlatTrack struct {
	Track
	Samples []Sample
}

// Flat returns ftyp+moov+mdat (or ftyp+mdat+moov when moovFirst is false).
// Every sample is its own chunk and the tracks' data is laid out one track
// after the other in mdat.
func Flat(moovFirst bool, tracks ...FlatTrack) []byte {
	w := bmff.NewWriter(nil)
	ftyp(&w, "isom")
	ftypSize := w.Len()

	var payload []byte
	for _, t := range tracks {
		f := Fragment{TrackID: t.ID, Samples: t.Samples}
		payload = append(payload, f.Payload(0)...)
	}

	dataStart := ftypSize + 8
	if moovFirst {
		dataStart += len(flatMoov(tracks, 0))
	}
	moov := flatMoov(tracks, dataStart)

	if moovFirst {
		w.Write(moov)
	}
	w.StartBox(bmff.TypeMdat)
	w.Write(payload)
	w.EndBox()
	if !moovFirst {
		w.Write(moov)
	}
	return w.Bytes()
}

func flatMoov(tracks []FlatTrack, dataStart int) []byte {
	w := bmff.NewWriter(nil)
	w.StartBox(bmff.TypeMoov)
	plain := make([]Track, len(tracks))
	for i, t := range tracks {
		plain[i] = t.Track
	}
	writeMvhd(&w, plain)
	offset := uint32(dataStart)
	for _, t := range tracks {
		offsets := make([]uint32, len(t.Samples))
		for i, s := range t.Samples {
			offsets[i] = offset
			offset += s.Size
		}
		writeTrak(&w, t.Track, t.Samples, offsets)
	}
	w.EndBox()
	return w.Bytes()
}

// Concat joins byte slices into a new buffer.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
