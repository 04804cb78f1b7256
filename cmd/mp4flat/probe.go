package main

import (
	"fmt"
	"io"
	"os"

	"github.com/abema/go-mp4"
	"github.com/sunfish-shogi/bufseekio"
	"go.uber.org/zap"

	bmff "github.com/tetsuo/mp4flat"
	"github.com/tetsuo/mp4flat/defrag"
)

// maxListedKeyframes caps the per-track keyframe listing.
const maxListedKeyframes = 20

// nonSyncFlags marks samples missing from an stss.
const nonSyncFlags = 0x01010000

type trackSummary struct {
	TrackID   uint32
	Timescale uint32
	Codec     string
	Samples   []defrag.SampleDescriptor
}

func probe(f *os.File, cfg config, logger *zap.Logger) error {
	info, err := mp4.Probe(bufseekio.NewReadSeeker(f, 128*1024, 4))
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	data, err := readInput(f.Name(), int64(cfg.maxInput))
	if err != nil {
		return err
	}
	file, err := bmff.Parse(data)
	if err != nil {
		return err
	}

	var tracks []trackSummary
	if file.Fragmented() {
		collected, err := defrag.Collect(file, data, defrag.WithLogger(logger))
		if err != nil {
			return err
		}
		for _, t := range collected {
			tracks = append(tracks, trackSummary{TrackID: t.TrackID, Timescale: t.Timescale, Codec: t.Codec(), Samples: t.Samples})
		}
	} else if tracks, err = flatTracks(file); err != nil {
		return err
	}

	printProbe(os.Stdout, info, file, data, tracks)
	return nil
}

func printProbe(w io.Writer, info *mp4.ProbeInfo, file *bmff.File, data []byte, tracks []trackSummary) {
	fmt.Fprintf(w, "Brand: %s (minor %d)", info.MajorBrand[:], info.MinorVersion)
	for _, b := range info.CompatibleBrands {
		fmt.Fprintf(w, " %s", b[:])
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Fragmented: %v  FastStart: %v\n", file.Fragmented(), info.FastStart)
	if info.Timescale != 0 {
		fmt.Fprintf(w, "Duration: %.3fs\n", float64(info.Duration)/float64(info.Timescale))
	}
	if n := len(info.Segments); n > 0 {
		fmt.Fprintf(w, "Segments: %d\n", n)
	}
	if !file.Fragmented() {
		if ref, err := bmff.FirstSample(file); err == nil {
			if _, err := ref.Bytes(data); err == nil {
				fmt.Fprintf(w, "First sample: offset=%d size=%d\n", ref.Offset, ref.Size)
			}
		}
	}
	fmt.Fprintln(w)

	for i, t := range tracks {
		fmt.Fprintf(w, "Track %d (id %d): %s\n", i, t.TrackID, t.Codec)
		fmt.Fprintf(w, "  Total samples: %d\n", len(t.Samples))
		var dur uint64
		for _, s := range t.Samples {
			dur += uint64(s.Duration)
		}
		if t.Timescale != 0 {
			fmt.Fprintf(w, "  Duration: %.2fs\n", float64(dur)/float64(t.Timescale))
		}
		fmt.Fprintf(w, "  TimeScale: %d\n\n", t.Timescale)
		printKeyframes(w, t)
		fmt.Fprintln(w)
	}
}

func printKeyframes(w io.Writer, t trackSummary) {
	if t.Timescale == 0 {
		return
	}
	var (
		listed    int
		total     int
		prev      float64
		intervals []float64
		dts       int64
	)
	fmt.Fprintln(w, "  Keyframes:")
	for j, s := range t.Samples {
		if s.IsSync() {
			pts := float64(dts+int64(s.CompositionOffset)) / float64(t.Timescale)
			if total > 0 {
				intervals = append(intervals, pts-prev)
			}
			if listed < maxListedKeyframes {
				fmt.Fprintf(w, "    [%5d] %.3fs", j, pts)
				if total > 0 {
					fmt.Fprintf(w, " (%.3fs since last)", pts-prev)
				}
				fmt.Fprintln(w)
				listed++
			}
			prev = pts
			total++
		}
		dts += int64(s.Duration)
	}
	if total > listed {
		fmt.Fprintf(w, "    ... (%d more keyframes)\n", total-listed)
	}

	fmt.Fprintf(w, "\n  Total keyframes: %d\n", total)
	if len(intervals) > 0 {
		lo, hi, sum := intervals[0], intervals[0], 0.0
		for _, v := range intervals {
			lo, hi, sum = min(lo, v), max(hi, v), sum+v
		}
		fmt.Fprintf(w, "  Keyframe interval: avg=%.3fs min=%.3fs max=%.3fs\n", sum/float64(len(intervals)), lo, hi)
	}
}

// flatTracks reads the sample tables of every trak of a progressive file.
func flatTracks(file *bmff.File) ([]trackSummary, error) {
	if file.Moov == nil {
		return nil, bmff.MissingBox(bmff.TypeMoov)
	}
	traks, err := bmff.ParseChildren(file.Moov.Payload())
	if err != nil {
		return nil, err
	}
	var out []trackSummary
	for _, trak := range traks {
		if trak.Type != bmff.TypeTrak {
			continue
		}
		t, err := flatTrack(trak)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func flatTrack(trak *bmff.Box) (trackSummary, error) {
	var t trackSummary
	if tkhd, err := bmff.FindBox(trak.Payload(), bmff.TypeTkhd); err != nil {
		return t, err
	} else if tkhd != nil {
		h, err := bmff.ParseMediaHeader(bmff.TypeTkhd, tkhd.Payload())
		if err != nil {
			return t, err
		}
		t.TrackID = h.TrackID
	}
	if mdhd, err := bmff.FindBoxPath(trak.Payload(), bmff.TypeMdia, bmff.TypeMdhd); err != nil {
		return t, err
	} else if mdhd != nil {
		h, err := bmff.ParseMediaHeader(bmff.TypeMdhd, mdhd.Payload())
		if err != nil {
			return t, err
		}
		t.Timescale = h.Timescale
	}
	stbl, err := bmff.FindBoxPath(trak.Payload(), bmff.TypeMdia, bmff.TypeMinf, bmff.TypeStbl)
	if err != nil || stbl == nil {
		return t, err
	}
	boxes, err := bmff.ParseChildren(stbl.Payload())
	if err != nil {
		return t, err
	}
	byType := make(map[bmff.BoxType]*bmff.Box, len(boxes))
	for _, b := range boxes {
		if _, dup := byType[b.Type]; !dup {
			byType[b.Type] = b
		}
	}

	if b := byType[bmff.TypeStsd]; b != nil {
		t.Codec = bmff.SampleEntryCodec(b.Payload())
	}
	if b := byType[bmff.TypeStsz]; b != nil {
		it := bmff.NewStszIter(b.Payload())
		for size, ok := it.Next(); ok; size, ok = it.Next() {
			t.Samples = append(t.Samples, defrag.SampleDescriptor{Size: size})
		}
	}
	if b := byType[bmff.TypeStts]; b != nil {
		i := 0
		it := bmff.NewSttsIter(b.Payload())
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			for n := uint32(0); n < e.Count && i < len(t.Samples); n++ {
				t.Samples[i].Duration = e.Duration
				i++
			}
		}
	}
	if b := byType[bmff.TypeCtts]; b != nil {
		i := 0
		it := bmff.NewCttsIter(b.Payload())
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			for n := uint32(0); n < e.Count && i < len(t.Samples); n++ {
				t.Samples[i].CompositionOffset = e.Offset
				i++
			}
		}
	}
	// Without an stss every sample is a sync sample.
	if b := byType[bmff.TypeStss]; b != nil {
		for i := range t.Samples {
			t.Samples[i].Flags = nonSyncFlags
		}
		it := bmff.NewStssIter(b.Payload())
		for n, ok := it.Next(); ok; n, ok = it.Next() {
			if n >= 1 && int(n) <= len(t.Samples) {
				t.Samples[n-1].Flags = 0
			}
		}
	}
	return t, nil
}
