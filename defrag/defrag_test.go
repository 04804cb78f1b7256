package defrag_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/edgeware/mp4ff/mp4"

	bmff "github.com/tetsuo/mp4flat"
	"github.com/tetsuo/mp4flat/defrag"
	"github.com/tetsuo/mp4flat/internal/mp4test"
)

func decode(t *testing.T, data []byte) *mp4.File {
	t.Helper()
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("mp4ff: %v", err)
	}
	return f
}

func parse(t *testing.T, data []byte) *bmff.File {
	t.Helper()
	f, err := bmff.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestDefragmentSingleTrack(t *testing.T) {
	parts := [][]byte{mp4test.Init(mp4test.Video(1))}
	for i := range 3 {
		parts = append(parts, mp4test.Segment(uint32(i+1), mp4test.Fragment{
			TrackID:        1,
			BaseDecodeTime: uint64(i) * 1000,
			Samples:        mp4test.Samples(10, 100, 20),
		}))
	}
	out, err := defrag.Defragment(mp4test.Concat(parts...))
	if err != nil {
		t.Fatal(err)
	}

	f := parse(t, out)
	var kinds []string
	for _, e := range f.Entries {
		kinds = append(kinds, e.Kind().String())
	}
	if len(kinds) != 3 || kinds[0] != "ftyp" || kinds[1] != "moov" || kinds[2] != "mdat" {
		t.Fatalf("layout = %v", kinds)
	}
	ftyp, err := bmff.ReadFtyp(f.Ftyp.Payload())
	if err != nil || string(ftyp.MajorBrand[:]) != "isom" || ftyp.MinorVersion != 2 || len(ftyp.Compatible) != 4 {
		t.Fatalf("ftyp = %+v, %v", ftyp, err)
	}

	mf := decode(t, out)
	if mf.Moov.Mvex != nil {
		t.Fatal("mvex survived")
	}
	if mvhd := mf.Moov.Mvhd; mvhd.Version != 0 || mvhd.CreationTime != 0 || mvhd.Duration != 33 {
		t.Fatalf("mvhd version=%d creation=%d duration=%d", mvhd.Version, mvhd.CreationTime, mvhd.Duration)
	}
	trak := mf.Moov.Traks[0]
	if trak.Tkhd.Version != 0 || trak.Tkhd.Duration != 3000 || trak.Tkhd.TrackID != 1 {
		t.Fatalf("tkhd = %+v", trak.Tkhd)
	}
	if trak.Mdia.Mdhd.Duration != 3000 || trak.Mdia.Mdhd.Timescale != 90000 {
		t.Fatalf("mdhd duration=%d timescale=%d", trak.Mdia.Mdhd.Duration, trak.Mdia.Mdhd.Timescale)
	}

	stbl := trak.Mdia.Minf.Stbl
	if len(stbl.Stts.SampleCount) != 1 || stbl.Stts.SampleCount[0] != 30 || stbl.Stts.SampleTimeDelta[0] != 100 {
		t.Fatalf("stts = %v x %v", stbl.Stts.SampleCount, stbl.Stts.SampleTimeDelta)
	}
	if len(stbl.Stsz.SampleSize) != 30 {
		t.Fatalf("stsz has %d entries", len(stbl.Stsz.SampleSize))
	}
	offsets := stbl.Stco.ChunkOffset
	if len(offsets) != 30 {
		t.Fatalf("stco has %d entries", len(offsets))
	}
	if int64(offsets[0]) != f.Mdat.PayloadOffset {
		t.Fatalf("first chunk at %d, mdat payload at %d", offsets[0], f.Mdat.PayloadOffset)
	}
	for j, off := range offsets {
		if j > 0 && off != offsets[j-1]+20 {
			t.Fatalf("chunk %d at %d after %d", j, off, offsets[j-1])
		}
		if !f.Mdat.Contains(int64(off), 20) {
			t.Fatalf("chunk %d outside mdat", j)
		}
		if want := bytes.Repeat([]byte{mp4test.Fill(1, j%10)}, 20); !bytes.Equal(out[off:off+20], want) {
			t.Fatalf("chunk %d holds the wrong sample", j)
		}
	}
	want := []uint32{1, 11, 21}
	if got := stbl.Stss.SampleNumber; len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("stss = %v, want %v", got, want)
	}
}

func TestDefragmentTwoTracks(t *testing.T) {
	video := mp4test.Video(1)
	audio := mp4test.Audio(2)
	var parts [][]byte
	parts = append(parts, mp4test.Init(video, audio))
	for i := range 2 {
		parts = append(parts, mp4test.Styp(), mp4test.Segment(uint32(i+1),
			mp4test.Fragment{TrackID: 1, BaseDecodeTime: uint64(i) * 9000, Samples: mp4test.Samples(3, 3000, 11)},
			mp4test.Fragment{TrackID: 2, BaseDecodeTime: uint64(i) * 3072, Samples: mp4test.Samples(3, 1024, 5)},
		))
	}
	in := mp4test.Concat(parts...)
	out, err := defrag.Defragment(in)
	if err != nil {
		t.Fatal(err)
	}

	f := parse(t, out)
	mdat := out[f.Mdat.PayloadOffset:f.Mdat.PayloadEnd()]
	if len(mdat) != 6*11+6*5 {
		t.Fatalf("mdat payload = %d bytes", len(mdat))
	}
	// All video samples come first, then all audio samples.
	for j := range 6 {
		if !bytes.Equal(mdat[j*11:j*11+11], bytes.Repeat([]byte{mp4test.Fill(1, j%3)}, 11)) {
			t.Fatalf("video sample %d misplaced", j)
		}
		a := 66 + j*5
		if !bytes.Equal(mdat[a:a+5], bytes.Repeat([]byte{mp4test.Fill(2, j%3)}, 5)) {
			t.Fatalf("audio sample %d misplaced", j)
		}
	}

	mf := decode(t, out)
	if len(mf.Moov.Traks) != 2 {
		t.Fatalf("%d traks", len(mf.Moov.Traks))
	}
	audioStbl := mf.Moov.Traks[1].Mdia.Minf.Stbl
	if got := int64(audioStbl.Stco.ChunkOffset[0]); got != f.Mdat.PayloadOffset+66 {
		t.Fatalf("audio base = %d, want %d", got, f.Mdat.PayloadOffset+66)
	}
	// Movie duration is the longest track: 18000/90000 s vs 6144/48000 s.
	if mf.Moov.Mvhd.Duration != 200 {
		t.Fatalf("mvhd duration = %d", mf.Moov.Mvhd.Duration)
	}
	if d := mf.Moov.Traks[1].Mdia.Mdhd.Duration; d != 6144 {
		t.Fatalf("audio mdhd duration = %d", d)
	}

	// Sample descriptions are carried over untouched.
	codecs := []string{"avc1.42c01e", "mp4a.40.2"}
	tracks, err := defrag.Collect(parse(t, in), in)
	if err != nil {
		t.Fatal(err)
	}
	for i, tf := range tracks {
		if tf.Codec() != codecs[i] {
			t.Errorf("track %d codec = %q", tf.TrackID, tf.Codec())
		}
	}
}

func TestDefragmentDefaultsAndCompositionOffsets(t *testing.T) {
	video := mp4test.Video(1)
	video.Trex = bmff.SampleDefaults{Duration: 3000, Size: 9, Flags: mp4test.SyncFlags}
	reordered := mp4test.Samples(4, 3000, 12)
	reordered[1].CompositionOffset = 6000
	reordered[2].CompositionOffset = -3000
	reordered[3].CompositionOffset = -3000

	in := mp4test.Concat(
		mp4test.Init(video),
		mp4test.Segment(1, mp4test.Fragment{TrackID: 1, UseTrex: true, Samples: mp4test.Samples(2, 3000, 9)}),
		mp4test.Segment(2, mp4test.Fragment{
			TrackID:  1,
			Defaults: &bmff.SampleDefaults{Duration: 1500, Size: 7, Flags: mp4test.NonSyncFlags},
			Samples: []mp4test.Sample{
				{Duration: 1500, Size: 7, Flags: mp4test.NonSyncFlags},
				{Duration: 1500, Size: 7, Flags: mp4test.NonSyncFlags},
			},
		}),
		mp4test.Segment(3, mp4test.Fragment{TrackID: 1, Samples: reordered}),
	)
	tracks, err := defrag.Collect(parse(t, in), in)
	if err != nil {
		t.Fatal(err)
	}
	got := tracks[0].Samples
	want := []defrag.SampleDescriptor{
		{Duration: 3000, Size: 9, Flags: mp4test.SyncFlags},
		{Duration: 3000, Size: 9, Flags: mp4test.SyncFlags},
		{Duration: 1500, Size: 7, Flags: mp4test.NonSyncFlags},
		{Duration: 1500, Size: 7, Flags: mp4test.NonSyncFlags},
		{Duration: 3000, Size: 12, Flags: mp4test.SyncFlags},
		{Duration: 3000, Size: 12, Flags: mp4test.NonSyncFlags, CompositionOffset: 6000},
		{Duration: 3000, Size: 12, Flags: mp4test.NonSyncFlags, CompositionOffset: -3000},
		{Duration: 3000, Size: 12, Flags: mp4test.NonSyncFlags, CompositionOffset: -3000},
	}
	if len(got) != len(want) {
		t.Fatalf("%d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %+v, want %+v", i, got[i], want[i])
		}
		if got[i].IsSync() != mp4.IsSyncSampleFlags(got[i].Flags) {
			t.Errorf("sample %d: IsSync disagrees with mp4ff", i)
		}
	}
	if n := len(tracks[0].Payload); n != 2*9+2*7+4*12 {
		t.Fatalf("payload = %d bytes", n)
	}

	out, err := defrag.Defragment(in)
	if err != nil {
		t.Fatal(err)
	}
	f := parse(t, out)
	ctts, err := bmff.FindBoxPath(f.Moov.Payload(), bmff.TypeTrak, bmff.TypeMdia, bmff.TypeMinf, bmff.TypeStbl, bmff.TypeCtts)
	if err != nil || ctts == nil {
		t.Fatalf("ctts: %v", err)
	}
	it := bmff.NewCttsIter(ctts.Payload())
	if it.Version() != 1 {
		t.Fatalf("ctts version = %d", it.Version())
	}
	wantCtts := []bmff.CttsEntry{{Count: 5, Offset: 0}, {Count: 1, Offset: 6000}, {Count: 2, Offset: -3000}}
	for i, w := range wantCtts {
		e, ok := it.Next()
		if !ok || e != w {
			t.Fatalf("ctts %d = %+v, want %+v", i, e, w)
		}
	}
	stss, _ := bmff.FindBoxPath(f.Moov.Payload(), bmff.TypeTrak, bmff.TypeMdia, bmff.TypeMinf, bmff.TypeStbl, bmff.TypeStss)
	var sync []uint32
	for it := bmff.NewStssIter(stss.Payload()); ; {
		n, ok := it.Next()
		if !ok {
			break
		}
		sync = append(sync, n)
	}
	if len(sync) != 3 || sync[0] != 1 || sync[1] != 2 || sync[2] != 5 {
		t.Fatalf("stss = %v", sync)
	}
}

func TestCollectSkipsUnknownTracks(t *testing.T) {
	in := mp4test.Concat(
		mp4test.Init(mp4test.Video(1)),
		mp4test.Segment(1,
			mp4test.Fragment{TrackID: 7, Samples: mp4test.Samples(2, 10, 3)},
			mp4test.Fragment{TrackID: 1, Samples: mp4test.Samples(2, 10, 4)},
		),
	)
	tracks, err := defrag.Collect(parse(t, in), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 || len(tracks[0].Samples) != 2 {
		t.Fatalf("tracks = %+v", tracks)
	}
	if want := append(bytes.Repeat([]byte{mp4test.Fill(1, 0)}, 4), bytes.Repeat([]byte{mp4test.Fill(1, 1)}, 4)...); !bytes.Equal(tracks[0].Payload, want) {
		t.Fatalf("payload = %x", tracks[0].Payload)
	}
}

func TestDefragmentErrors(t *testing.T) {
	flat := mp4test.Flat(true, mp4test.FlatTrack{Track: mp4test.Video(1), Samples: mp4test.Samples(2, 10, 3)})
	if _, err := defrag.Defragment(flat); !errors.Is(err, bmff.ErrNotFragmented) {
		t.Fatalf("flat input: %v", err)
	}

	seg := mp4test.Segment(1, mp4test.Fragment{TrackID: 1, Samples: mp4test.Samples(2, 10, 3)})
	if _, err := defrag.Defragment(seg); !errors.Is(err, bmff.ErrMissingRequiredBox) {
		t.Fatalf("no moov: %v", err)
	}

	// Point the run past the end of its mdat.
	in := mp4test.Concat(mp4test.Init(mp4test.Video(1)), seg)
	in[trunPayloadAt(t, in)+8+2] = 0x7f
	if _, err := defrag.Defragment(in); !errors.Is(err, bmff.ErrTruncatedData) {
		t.Fatalf("bad data offset: %v", err)
	}
}

// trunPayloadAt returns the file offset of the payload of the first trun.
func trunPayloadAt(t *testing.T, in []byte) int64 {
	t.Helper()
	moof := parse(t, in).Boxes(bmff.TypeMoof)[0]
	traf, err := bmff.FindBox(moof.Payload(), bmff.TypeTraf)
	if err != nil || traf == nil {
		t.Fatalf("traf: %v", err)
	}
	trun, err := bmff.FindBox(traf.Payload(), bmff.TypeTrun)
	if err != nil || trun == nil {
		t.Fatalf("trun: %v", err)
	}
	return moof.Offset + int64(moof.HeaderSize) + traf.Offset + int64(traf.HeaderSize) + trun.Offset + int64(trun.HeaderSize)
}

func TestCollectBoundsRunLength(t *testing.T) {
	// The run has no per-sample fields, so its count costs nothing to
	// declare. Raise it far past the six bytes of media data.
	in := mp4test.Concat(
		mp4test.Init(mp4test.Video(1)),
		mp4test.Segment(1, mp4test.Fragment{TrackID: 1, UseTrex: true, Samples: mp4test.Samples(2, 0, 3)}),
	)
	at := trunPayloadAt(t, in) + 4
	copy(in[at:], []byte{0x01, 0, 0, 0})
	if _, err := defrag.Collect(parse(t, in), in); !errors.Is(err, bmff.ErrMalformedBox) {
		t.Fatalf("err = %v", err)
	}
	if _, err := defrag.Defragment(in); !errors.Is(err, bmff.ErrMalformedBox) {
		t.Fatalf("defragment: %v", err)
	}
}

func TestCollectRequiresMediaHeader(t *testing.T) {
	w := bmff.NewWriter(nil)
	w.StartBox(bmff.TypeMoov)
	mvhd := bmff.NewMvhd(1000, 0, 2)
	w.WriteMediaHeader(&mvhd, 0)
	w.StartBox(bmff.TypeTrak)
	tkhd := bmff.NewTkhd(3, 1, 0, 0, 0)
	w.WriteMediaHeader(&tkhd, 0)
	w.StartBox(bmff.TypeMdia)
	w.WriteHdlr(bmff.HandlerVideo, "")
	w.EndBox()
	w.EndBox()
	w.EndBox()
	in := mp4test.Concat(w.Bytes(), mp4test.Segment(1, mp4test.Fragment{TrackID: 1, Samples: mp4test.Samples(1, 10, 1)}))

	_, err := defrag.Collect(parse(t, in), in)
	if !errors.Is(err, bmff.ErrMissingRequiredBox) {
		t.Fatalf("err = %v", err)
	}
}

func BenchmarkDefragment(b *testing.B) {
	video, audio := mp4test.Video(1), mp4test.Audio(2)
	parts := [][]byte{mp4test.Init(video, audio)}
	for i := range 50 {
		parts = append(parts, mp4test.Segment(uint32(i+1),
			mp4test.Fragment{TrackID: 1, BaseDecodeTime: uint64(i) * 180000, Samples: mp4test.Samples(60, 3000, 2000)},
			mp4test.Fragment{TrackID: 2, BaseDecodeTime: uint64(i) * 96256, Samples: mp4test.Samples(94, 1024, 300)},
		))
	}
	data := mp4test.Concat(parts...)
	b.SetBytes(int64(len(data)))

	for b.Loop() {
		if _, err := defrag.Defragment(data); err != nil {
			b.Fatal(err)
		}
	}
}
