// Package retime rebases the timestamps of MP4 files so that playback
// starts at zero.
//
// Reset works on a whole file, flat or fragmented. Adjuster works on a
// live stream of media segments, one segment at a time.
package retime

import (
	"bytes"

	"go.uber.org/zap"

	bmff "github.com/tetsuo/mp4flat"
)

// Reset returns a copy of data with its timestamps reset.
//
// For a fragmented file every tfdt is rebased so that each track starts at
// zero, and the mvhd, tkhd and mdhd boxes get zero creation and modification
// times and the duration covered by the fragments. Everything else is copied
// unchanged and the top-level order is kept.
//
// For a flat file the creation and modification times are zeroed and edit
// lists are dropped. Chunk offsets are adjusted if the moov shrinks ahead of
// the media data.
//
// data must hold a moov box. It is never modified.
func Reset(data []byte, opts ...Option) ([]byte, error) {
	o := newOptions(opts)
	f, err := bmff.Parse(data)
	if err != nil {
		return nil, err
	}
	if f.Moov == nil {
		return nil, bmff.MissingBox(bmff.TypeMoov)
	}
	if f.Fragmented() {
		o.log.Debug("resetting fragmented file", zap.Int("moofs", len(f.Boxes(bmff.TypeMoof))))
		return resetFragmented(f, data, o.log)
	}
	o.log.Debug("resetting flat file", zap.Uint64("moovSize", f.Moov.Size))
	return resetFlat(f, data, o.log)
}

func resetFragmented(f *bmff.File, data []byte, log *zap.Logger) ([]byte, error) {
	trex, err := bmff.ReadTrexes(f.Moov)
	if err != nil {
		return nil, err
	}
	var trafs []trafInfo
	for _, moof := range f.Boxes(bmff.TypeMoof) {
		t, err := scanMoof(moof, trex)
		if err != nil {
			return nil, err
		}
		trafs = append(trafs, t...)
	}

	// Only fixed-width fields change, so a copy of the input is patched.
	out := bytes.Clone(data)

	clocks := make(map[int]*trackClock)
	for i := range trafs {
		t := &trafs[i]
		idx := trackIndex(t.trackID)
		c := clocks[idx]
		if c == nil {
			c = &trackClock{}
			clocks[idx] = c
		}
		first := !c.rebased && t.hasTfdt()
		start, approximated := c.advance(t)
		if first {
			log.Debug("track rebased", zap.Uint32("trackID", t.trackID), zap.Uint64("offset", c.offset))
		}
		if approximated {
			log.Debug("fragment duration approximated from decode times",
				zap.Uint32("trackID", t.trackID), zap.Uint64("duration", c.duration))
		}
		if t.hasTfdt() {
			if err := bmff.PutTfdt(out[t.tfdtAt:], start); err != nil {
				return nil, err
			}
		}
	}

	totals := make(map[int]uint64, len(clocks))
	for i, c := range clocks {
		totals[i] = c.total()
	}
	moov := out[f.Moov.Offset : f.Moov.Offset+int64(f.Moov.Size)]
	if err := patchMoovHeaders(moov[f.Moov.HeaderSize:], totals); err != nil {
		return nil, err
	}
	return out, nil
}

// patchMoovHeaders zeroes the creation and modification times of the mvhd
// and of every tkhd and mdhd of moov in place, and sets their durations.
// totals maps a trak position to its duration in the trak's media
// timescale. Every header of a trak gets that value unconverted, and the
// movie duration is the duration of the first trak.
func patchMoovHeaders(moov []byte, totals map[int]uint64) error {
	mvhdBox, err := bmff.FindBox(moov, bmff.TypeMvhd)
	if err != nil {
		return err
	}
	if mvhdBox == nil {
		return bmff.MissingBox(bmff.TypeMvhd)
	}
	mvhd, err := bmff.ParseMediaHeader(bmff.TypeMvhd, mvhdBox.Payload())
	if err != nil {
		return err
	}

	children, err := bmff.ParseChildren(moov)
	if err != nil {
		return err
	}
	movieDuration := totals[0]
	i := 0
	for _, trak := range children {
		if trak.Type != bmff.TypeTrak {
			continue
		}
		total := totals[i]

		mdhdBox, err := bmff.FindBoxPath(trak.Payload(), bmff.TypeMdia, bmff.TypeMdhd)
		if err != nil {
			return err
		}
		if mdhdBox != nil {
			mdhd, err := bmff.ParseMediaHeader(bmff.TypeMdhd, mdhdBox.Payload())
			if err != nil {
				return err
			}
			mdhd.CreationTime, mdhd.ModificationTime, mdhd.Duration = 0, 0, total
			mdhd.Rewrite(mdhdBox.Payload())
		}

		tkhdBox, err := bmff.FindBox(trak.Payload(), bmff.TypeTkhd)
		if err != nil {
			return err
		}
		if tkhdBox != nil {
			tkhd, err := bmff.ParseMediaHeader(bmff.TypeTkhd, tkhdBox.Payload())
			if err != nil {
				return err
			}
			tkhd.CreationTime, tkhd.ModificationTime, tkhd.Duration = 0, 0, total
			tkhd.Rewrite(tkhdBox.Payload())
		}
		i++
	}

	mvhd.CreationTime, mvhd.ModificationTime, mvhd.Duration = 0, 0, movieDuration
	mvhd.Rewrite(mvhdBox.Payload())
	return nil
}

func resetFlat(f *bmff.File, data []byte, log *zap.Logger) ([]byte, error) {
	w := bmff.NewWriter(make([]byte, 0, f.Moov.Size))
	w.StartBox(bmff.TypeMoov)
	dropped, err := copyZeroed(&w, f.Moov.Payload())
	if err != nil {
		return nil, err
	}
	w.EndBox()
	moov := w.Bytes()
	if dropped > 0 {
		log.Debug("edit lists dropped", zap.Int("count", dropped))
	}

	delta := int64(len(moov)) - int64(f.Moov.Size)
	if delta != 0 {
		oldEnd := uint64(f.Moov.Offset) + f.Moov.Size
		r := bmff.NewReader(moov)
		r.Next()
		n, err := shiftChunkOffsets(r.Payload(), oldEnd, delta)
		if err != nil {
			return nil, err
		}
		log.Debug("chunk offsets shifted", zap.Int64("delta", delta), zap.Int("entries", n))
	}

	out := make([]byte, 0, int64(len(data))+delta)
	for _, e := range f.Entries {
		if b, ok := e.(*bmff.Box); ok && b == f.Moov {
			out = append(out, moov...)
			continue
		}
		off, size := e.Span()
		out = append(out, data[off:off+int64(size)]...)
	}
	return out, nil
}

// copyZeroed writes the children of a moov, trak or mdia payload to w with
// zeroed header timestamps and without edts. It returns the number of edts
// boxes left out.
func copyZeroed(w *bmff.Writer, payload []byte) (int, error) {
	children, err := bmff.ParseChildren(payload)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, c := range children {
		switch c.Type {
		case bmff.TypeMvhd, bmff.TypeTkhd, bmff.TypeMdhd:
			h, err := bmff.ParseMediaHeader(c.Type, c.Payload())
			if err != nil {
				return 0, err
			}
			h.CreationTime, h.ModificationTime = 0, 0
			w.WriteMediaHeader(&h, h.Version)
		case bmff.TypeEdts:
			dropped++
		case bmff.TypeTrak, bmff.TypeMdia:
			w.StartBox(c.Type)
			n, err := copyZeroed(w, c.Payload())
			if err != nil {
				return 0, err
			}
			w.EndBox()
			dropped += n
		default:
			w.Write(c.Raw)
		}
	}
	return dropped, nil
}

// shiftChunkOffsets moves every chunk offset of moov at or past from by
// delta bytes.
func shiftChunkOffsets(moov []byte, from uint64, delta int64) (int, error) {
	children, err := bmff.ParseChildren(moov)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, trak := range children {
		if trak.Type != bmff.TypeTrak {
			continue
		}
		stbl, err := bmff.FindBoxPath(trak.Payload(), bmff.TypeMdia, bmff.TypeMinf, bmff.TypeStbl)
		if err != nil {
			return 0, err
		}
		if stbl == nil {
			continue
		}
		tables, err := bmff.ParseChildren(stbl.Payload())
		if err != nil {
			return 0, err
		}
		for _, t := range tables {
			if t.Type == bmff.TypeStco || t.Type == bmff.TypeCo64 {
				n += bmff.ShiftChunkOffsets(t.Type, t.Payload(), from, delta)
			}
		}
	}
	return n, nil
}
