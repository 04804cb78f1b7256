package defrag

import (
	bmff "github.com/tetsuo/mp4flat"
)

// buildSampleTable writes the stbl of a flat trak holding the samples of t.
// Every sample is its own chunk; chunk offsets start at base and follow the
// sample sizes. co64 selects 64-bit chunk offsets.
func buildSampleTable(w *bmff.Writer, t *TrackFragments, base uint64, co64 bool) {
	w.StartBox(bmff.TypeStbl)
	if t.SampleDescription != nil {
		w.Write(t.SampleDescription)
	}

	var (
		stts     []bmff.SttsEntry
		ctts     []bmff.CttsEntry
		sizes    = make([]uint32, 0, len(t.Samples))
		stss     []uint32
		reorder  bool
		negative bool
	)
	for i, s := range t.Samples {
		if n := len(stts); n > 0 && stts[n-1].Duration == s.Duration {
			stts[n-1].Count++
		} else {
			stts = append(stts, bmff.SttsEntry{Count: 1, Duration: s.Duration})
		}
		if n := len(ctts); n > 0 && ctts[n-1].Offset == s.CompositionOffset {
			ctts[n-1].Count++
		} else {
			ctts = append(ctts, bmff.CttsEntry{Count: 1, Offset: s.CompositionOffset})
		}
		reorder = reorder || s.CompositionOffset != 0
		negative = negative || s.CompositionOffset < 0
		sizes = append(sizes, s.Size)
		if s.IsSync() {
			stss = append(stss, uint32(i+1))
		}
	}

	w.WriteStts(stts)
	if len(t.Samples) > 0 {
		w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionID: 1}})
	} else {
		w.WriteStsc(nil)
	}
	w.WriteStsz(0, 0, sizes)

	off := base
	if co64 {
		offsets := make([]uint64, len(sizes))
		for i, s := range sizes {
			offsets[i] = off
			off += uint64(s)
		}
		w.WriteCo64(offsets)
	} else {
		offsets := make([]uint32, len(sizes))
		for i, s := range sizes {
			offsets[i] = bmff.Saturate32(off)
			off += uint64(s)
		}
		w.WriteStco(offsets)
	}

	if reorder {
		var version uint8
		if negative {
			version = 1
		}
		w.WriteCtts(version, ctts)
	}
	// An absent stss would mark every sample as sync, so a track without
	// sync samples gets an empty one.
	if len(t.Samples) > 0 {
		w.WriteStss(stss)
	}
	w.EndBox()
}
