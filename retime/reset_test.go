package retime_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/abema/go-mp4"

	bmff "github.com/tetsuo/mp4flat"
	"github.com/tetsuo/mp4flat/internal/mp4test"
	"github.com/tetsuo/mp4flat/retime"
)

func extract(t *testing.T, data []byte, path ...mp4.BoxType) []*mp4.BoxInfoWithPayload {
	t.Helper()
	bips, err := mp4.ExtractBoxWithPayload(bytes.NewReader(data), nil, mp4.BoxPath(path))
	if err != nil {
		t.Fatal(err)
	}
	return bips
}

// tfdts returns every moof/traf/tfdt value in file order.
func tfdts(t *testing.T, data []byte) []uint64 {
	t.Helper()
	var out []uint64
	for _, b := range extract(t, data, mp4.BoxTypeMoof(), mp4.BoxTypeTraf(), mp4.BoxTypeTfdt()) {
		tfdt := b.Payload.(*mp4.Tfdt)
		if tfdt.GetVersion() == 1 {
			out = append(out, tfdt.BaseMediaDecodeTimeV1)
		} else {
			out = append(out, uint64(tfdt.BaseMediaDecodeTimeV0))
		}
	}
	return out
}

type header struct {
	creation, modification, duration uint64
}

// headers returns the mvhd followed by the tkhd and mdhd of each trak.
func headers(t *testing.T, data []byte) (mvhd header, tkhd, mdhd []header) {
	t.Helper()
	for _, b := range extract(t, data, mp4.BoxTypeMoov(), mp4.BoxTypeMvhd()) {
		h := b.Payload.(*mp4.Mvhd)
		if h.GetVersion() == 1 {
			mvhd = header{h.CreationTimeV1, h.ModificationTimeV1, h.DurationV1}
		} else {
			mvhd = header{uint64(h.CreationTimeV0), uint64(h.ModificationTimeV0), uint64(h.DurationV0)}
		}
	}
	for _, b := range extract(t, data, mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeTkhd()) {
		h := b.Payload.(*mp4.Tkhd)
		if h.GetVersion() == 1 {
			tkhd = append(tkhd, header{h.CreationTimeV1, h.ModificationTimeV1, h.DurationV1})
		} else {
			tkhd = append(tkhd, header{uint64(h.CreationTimeV0), uint64(h.ModificationTimeV0), uint64(h.DurationV0)})
		}
	}
	for _, b := range extract(t, data, mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()) {
		h := b.Payload.(*mp4.Mdhd)
		if h.GetVersion() == 1 {
			mdhd = append(mdhd, header{h.CreationTimeV1, h.ModificationTimeV1, h.DurationV1})
		} else {
			mdhd = append(mdhd, header{uint64(h.CreationTimeV0), uint64(h.ModificationTimeV0), uint64(h.DurationV0)})
		}
	}
	return mvhd, tkhd, mdhd
}

func twoTrackStream() []byte {
	audio := mp4test.Audio(2)
	audio.HeaderVersion = 1
	return mp4test.Concat(
		mp4test.Init(mp4test.Video(1), audio),
		mp4test.Styp(),
		mp4test.Segment(1,
			mp4test.Fragment{TrackID: 1, BaseDecodeTime: 500, Samples: mp4test.Samples(3, 100, 10)},
			mp4test.Fragment{TrackID: 2, BaseDecodeTime: 1000, TfdtVersion: 1, Samples: mp4test.Samples(2, 1024, 4)},
		),
		mp4test.Segment(2,
			mp4test.Fragment{TrackID: 1, BaseDecodeTime: 800, Samples: mp4test.Samples(3, 100, 10)},
			mp4test.Fragment{TrackID: 2, BaseDecodeTime: 3048, TfdtVersion: 1, Samples: mp4test.Samples(2, 1024, 4)},
		),
	)
}

func TestResetFragmented(t *testing.T) {
	in := twoTrackStream()
	orig := bytes.Clone(in)
	out, err := retime.Reset(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, orig) {
		t.Fatal("input was modified")
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}

	want := []uint64{0, 0, 300, 2048}
	got := tfdts(t, out)
	if len(got) != len(want) {
		t.Fatalf("tfdts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tfdts = %v, want %v", got, want)
		}
	}

	mvhd, tkhd, mdhd := headers(t, out)
	// Video: 300 + 300 at 90 kHz. Audio: 2048 + 2048 at 48 kHz. The movie
	// duration is the first track's.
	if mvhd != (header{0, 0, 600}) {
		t.Errorf("mvhd = %+v", mvhd)
	}
	wantTkhd := []header{{0, 0, 600}, {0, 0, 4096}}
	wantMdhd := []header{{0, 0, 600}, {0, 0, 4096}}
	for i := range 2 {
		if tkhd[i] != wantTkhd[i] {
			t.Errorf("tkhd %d = %+v, want %+v", i, tkhd[i], wantTkhd[i])
		}
		if mdhd[i] != wantMdhd[i] {
			t.Errorf("mdhd %d = %+v, want %+v", i, mdhd[i], wantMdhd[i])
		}
	}

	// Top-level layout and media data are untouched.
	fin, _ := bmff.Parse(in)
	fout, err := bmff.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(fin.Entries) != len(fout.Entries) {
		t.Fatalf("entries: %d, want %d", len(fout.Entries), len(fin.Entries))
	}
	for i, e := range fin.Entries {
		off, size := e.Span()
		off2, size2 := fout.Entries[i].Span()
		if e.Kind() != fout.Entries[i].Kind() || off != off2 || size != size2 {
			t.Fatalf("entry %d moved: %s@%d", i, fout.Entries[i].Kind(), off2)
		}
		if e.Kind() == bmff.TypeMdat || e.Kind() == bmff.TypeFtyp || e.Kind() == bmff.TypeStyp {
			if !bytes.Equal(in[off:off+int64(size)], out[off:off+int64(size)]) {
				t.Errorf("%s at %d changed", e.Kind(), off)
			}
		}
	}
}

func TestResetIsIdempotent(t *testing.T) {
	video := mp4test.Video(1)
	video.EditList = true
	video.Duration = 9000
	for name, in := range map[string][]byte{
		"fragmented": twoTrackStream(),
		"flat":       mp4test.Flat(true, mp4test.FlatTrack{Track: video, Samples: mp4test.Samples(4, 3000, 20)}),
	} {
		t.Run(name, func(t *testing.T) {
			once, err := retime.Reset(in)
			if err != nil {
				t.Fatal(err)
			}
			twice, err := retime.Reset(once)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(once, twice) {
				t.Fatal("second reset changed the output")
			}
		})
	}
}

func TestResetDecodeTimesStayMonotonic(t *testing.T) {
	var segs [][]byte
	segs = append(segs, mp4test.Init(mp4test.Video(1)))
	for i := range 6 {
		segs = append(segs, mp4test.Segment(uint32(i+1), mp4test.Fragment{
			TrackID:        1,
			BaseDecodeTime: 1<<33 + uint64(i)*900,
			TfdtVersion:    1,
			Samples:        mp4test.Samples(3, 300, 5),
		}))
	}
	out, err := retime.Reset(mp4test.Concat(segs...))
	if err != nil {
		t.Fatal(err)
	}
	got := tfdts(t, out)
	if got[0] != 0 {
		t.Fatalf("first tfdt = %d", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+900 {
			t.Fatalf("tfdts = %v", got)
		}
	}
	_, _, mdhd := headers(t, out)
	if mdhd[0].duration != 6*900 {
		t.Fatalf("mdhd duration = %d", mdhd[0].duration)
	}
}

func TestResetFragmentDurations(t *testing.T) {
	tests := []struct {
		name  string
		trex  bmff.SampleDefaults
		frags []mp4test.Fragment
		want  uint64
	}{
		{
			// No run carries a duration: gaps between decode times stand in,
			// and the last fragment reuses the previous gap.
			name: "approximated",
			trex: bmff.SampleDefaults{Size: 10, Flags: mp4test.SyncFlags},
			frags: []mp4test.Fragment{
				{TrackID: 1, BaseDecodeTime: 1000, UseTrex: true, Samples: mp4test.Samples(3, 0, 10)},
				{TrackID: 1, BaseDecodeTime: 1300, UseTrex: true, Samples: mp4test.Samples(3, 0, 10)},
				{TrackID: 1, BaseDecodeTime: 1700, UseTrex: true, Samples: mp4test.Samples(3, 0, 10)},
			},
			want: 700 + 400,
		},
		{
			name: "trex defaults",
			trex: bmff.SampleDefaults{Duration: 250, Size: 10, Flags: mp4test.SyncFlags},
			frags: []mp4test.Fragment{
				{TrackID: 1, BaseDecodeTime: 40, UseTrex: true, Samples: mp4test.Samples(2, 250, 10)},
				{TrackID: 1, BaseDecodeTime: 540, UseTrex: true, Samples: mp4test.Samples(4, 250, 10)},
			},
			want: 500 + 1000,
		},
		{
			name: "missing tfdt continues",
			frags: []mp4test.Fragment{
				{TrackID: 1, BaseDecodeTime: 500, Samples: mp4test.Samples(3, 100, 10)},
				{TrackID: 1, NoTfdt: true, Samples: mp4test.Samples(2, 100, 10)},
			},
			want: 300 + 200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			video := mp4test.Video(1)
			video.Trex = tt.trex
			parts := [][]byte{mp4test.Init(video)}
			for i, f := range tt.frags {
				parts = append(parts, mp4test.Segment(uint32(i+1), f))
			}
			out, err := retime.Reset(mp4test.Concat(parts...))
			if err != nil {
				t.Fatal(err)
			}
			_, _, mdhd := headers(t, out)
			if mdhd[0].duration != tt.want {
				t.Fatalf("mdhd duration = %d, want %d", mdhd[0].duration, tt.want)
			}
		})
	}
}

func TestResetFlat(t *testing.T) {
	video := mp4test.Video(1)
	video.EditList = true
	video.HeaderVersion = 1
	video.Duration = 12000
	audio := mp4test.Audio(2)
	audio.EditList = true
	tracks := []mp4test.FlatTrack{
		{Track: video, Samples: mp4test.Samples(4, 3000, 50)},
		{Track: audio, Samples: mp4test.Samples(3, 1024, 7)},
	}

	for _, moovFirst := range []bool{true, false} {
		in := mp4test.Flat(moovFirst, tracks...)
		out, err := retime.Reset(in)
		if err != nil {
			t.Fatal(err)
		}
		// edts(8) + elst(8 + 4 version/flags + 4 count + 12 entry) per track.
		if len(out) != len(in)-2*36 {
			t.Fatalf("moovFirst=%v: len = %d, in %d", moovFirst, len(out), len(in))
		}
		if n := len(extract(t, out, mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeEdts())); n != 0 {
			t.Fatalf("moovFirst=%v: %d edts left", moovFirst, n)
		}

		mvhd, tkhd, mdhd := headers(t, out)
		if mvhd.creation != 0 || mvhd.modification != 0 || mvhd.duration != 12000 {
			t.Errorf("mvhd = %+v", mvhd)
		}
		for i := range tkhd {
			if tkhd[i].creation != 0 || tkhd[i].modification != 0 || mdhd[i].creation != 0 || mdhd[i].modification != 0 {
				t.Errorf("trak %d: tkhd %+v mdhd %+v", i, tkhd[i], mdhd[i])
			}
		}
		if mdhd[0].duration != 12000 {
			t.Errorf("mdhd duration = %d", mdhd[0].duration)
		}

		// Every chunk offset still points at its own sample.
		stcos := extract(t, out, mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStco())
		for i, b := range stcos {
			ft := tracks[i]
			for j, off := range b.Payload.(*mp4.Stco).ChunkOffset {
				want := bytes.Repeat([]byte{mp4test.Fill(ft.ID, j)}, int(ft.Samples[j].Size))
				if got := out[off : int(off)+len(want)]; !bytes.Equal(got, want) {
					t.Fatalf("moovFirst=%v trak %d sample %d: offset %d points elsewhere", moovFirst, i, j, off)
				}
			}
		}
	}
}

// uniformSegment returns a moof+mdat whose first traf holds a trun of
// count samples without per-sample fields, and whose second traf belongs to
// the highest possible track ID.
func uniformSegment(count uint32) []byte {
	w := bmff.NewWriter(nil)
	w.StartBox(bmff.TypeMoof)
	w.WriteMfhd(1)
	w.StartBox(bmff.TypeTraf)
	w.WriteTfhd(bmff.Tfhd{
		Flags:                 bmff.TfhdDefaultBaseIsMoof | bmff.TfhdDefaultSampleDurationPresent,
		TrackID:               1,
		DefaultSampleDuration: 10,
	})
	w.WriteTfdt(0, 500)
	w.Write(bmff.AppendBox(nil, bmff.TypeTrun, []byte{0, 0, 0, 0, byte(count >> 24), byte(count >> 16), byte(count >> 8), byte(count)}))
	w.EndBox()
	w.StartBox(bmff.TypeTraf)
	w.WriteTfhd(bmff.Tfhd{Flags: bmff.TfhdDefaultBaseIsMoof, TrackID: 0xffffffff})
	w.WriteTfdt(0, 7)
	w.EndBox()
	w.EndBox()
	w.WriteBoxHeader(bmff.TypeMdat, 0)
	return w.Bytes()
}

func TestResetUniformRuns(t *testing.T) {
	in := mp4test.Concat(mp4test.Init(mp4test.Video(1)), uniformSegment(1<<24))
	out, err := retime.Reset(in)
	if err != nil {
		t.Fatal(err)
	}
	if got := tfdts(t, out); len(got) != 2 || got[0] != 0 || got[1] != 0 {
		t.Fatalf("tfdts = %v", got)
	}
	mvhd, tkhd, mdhd := headers(t, out)
	if want := uint64(10 << 24); mvhd.duration != want || tkhd[0].duration != want || mdhd[0].duration != want {
		t.Fatalf("durations mvhd=%d tkhd=%d mdhd=%d, want %d", mvhd.duration, tkhd[0].duration, mdhd[0].duration, want)
	}
	if len(out) != len(in) {
		t.Fatalf("output is %d bytes, input %d", len(out), len(in))
	}
}

func TestResetErrors(t *testing.T) {
	noMoov := mp4test.Concat(mp4test.Styp(), mp4test.Segment(1, mp4test.Fragment{TrackID: 1, Samples: mp4test.Samples(1, 10, 1)}))
	if _, err := retime.Reset(noMoov); !errors.Is(err, bmff.ErrMissingRequiredBox) {
		t.Fatalf("no moov: %v", err)
	}
	in := twoTrackStream()
	if _, err := retime.Reset(in[:len(in)-3]); !errors.Is(err, bmff.ErrTruncatedData) {
		t.Fatalf("truncated: %v", err)
	}
}

func BenchmarkResetFragmented(b *testing.B) {
	parts := [][]byte{mp4test.Init(mp4test.Video(1))}
	for i := range 100 {
		parts = append(parts, mp4test.Segment(uint32(i+1), mp4test.Fragment{
			TrackID:        1,
			BaseDecodeTime: 1<<33 + uint64(i)*180000,
			TfdtVersion:    1,
			Samples:        mp4test.Samples(60, 3000, 1500),
		}))
	}
	data := mp4test.Concat(parts...)
	b.SetBytes(int64(len(data)))

	for b.Loop() {
		if _, err := retime.Reset(data); err != nil {
			b.Fatal(err)
		}
	}
}
