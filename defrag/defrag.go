// Package defrag turns fragmented MP4 files into flat, progressive ones.
//
// Collect gathers the samples of every moof/mdat pair per track, and
// Defragment writes them back out as a single ftyp+moov+mdat file with
// regular sample tables.
package defrag

import (
	"math"

	"go.uber.org/zap"

	bmff "github.com/tetsuo/mp4flat"
)

var (
	flatBrand   = [4]byte{'i', 's', 'o', 'm'}
	flatCompat  = [][4]byte{{'i', 's', 'o', 'm'}, {'i', 's', 'o', '2'}, {'a', 'v', 'c', '1'}, {'m', 'p', '4', '1'}}
	flatVersion = uint32(2)
)

// Defragment returns data rewritten as ftyp+moov+mdat. The moov keeps the
// source boxes except for mvex, with every header at version 0, zero
// creation and modification times and rebuilt sample tables. tkhd and mdhd
// carry the summed sample durations of their track; mvhd carries the
// longest track converted to the movie timescale. The mdat holds the
// sample bytes of each track in moov order.
//
// An input without moof fails with ErrNotFragmented.
func Defragment(data []byte, opts ...Option) ([]byte, error) {
	o := newOptions(opts)
	f, err := bmff.Parse(data)
	if err != nil {
		return nil, err
	}
	tracks, err := Collect(f, data, opts...)
	if err != nil {
		return nil, err
	}

	w := bmff.NewWriter(nil)
	w.WriteFtyp(flatBrand, flatVersion, flatCompat)
	ftypSize := uint64(w.Len())

	var payloadSize uint64
	for _, t := range tracks {
		payloadSize += uint64(len(t.Payload))
	}
	mdatHeader := uint64(bmff.BoxHeaderSize(payloadSize))

	// Measure moov with zero bases. Its size only depends on the offset width.
	co64 := false
	moov, err := buildMoov(f.Moov, tracks, nil, co64, o.log)
	if err != nil {
		return nil, err
	}
	if ftypSize+uint64(len(moov))+mdatHeader+payloadSize > math.MaxUint32 {
		co64 = true
		if moov, err = buildMoov(f.Moov, tracks, nil, co64, o.log); err != nil {
			return nil, err
		}
	}
	o.log.Debug("moov measured", zap.Int("size", len(moov)), zap.Bool("co64", co64))

	bases := make([]uint64, len(tracks))
	next := ftypSize + uint64(len(moov)) + mdatHeader
	for i, t := range tracks {
		bases[i] = next
		next += uint64(len(t.Payload))
	}
	if moov, err = buildMoov(f.Moov, tracks, bases, co64, o.log); err != nil {
		return nil, err
	}

	w.Write(moov)
	w.WriteBoxHeader(bmff.TypeMdat, payloadSize)
	for _, t := range tracks {
		w.Write(t.Payload)
	}
	return w.Bytes(), nil
}

// buildMoov rebuilds moov for the flat layout. bases holds the first chunk
// offset of each track; nil means zero for all.
func buildMoov(moov *bmff.Box, tracks []*TrackFragments, bases []uint64, co64 bool, log *zap.Logger) ([]byte, error) {
	children, err := bmff.ParseChildren(moov.Payload())
	if err != nil {
		return nil, err
	}
	mvhdBox, err := bmff.FindBox(moov.Payload(), bmff.TypeMvhd)
	if err != nil {
		return nil, err
	}
	if mvhdBox == nil {
		return nil, bmff.MissingBox(bmff.TypeMvhd)
	}
	mvhd, err := bmff.ParseMediaHeader(bmff.TypeMvhd, mvhdBox.Payload())
	if err != nil {
		return nil, err
	}

	index := make(map[uint32]int, len(tracks))
	for i, t := range tracks {
		if _, dup := index[t.TrackID]; !dup {
			index[t.TrackID] = i
		}
	}

	w := bmff.NewWriter(make([]byte, 0, moov.Size))
	w.StartBox(bmff.TypeMoov)
	for _, c := range children {
		switch c.Type {
		case bmff.TypeMvhd:
			h := mvhd
			h.CreationTime, h.ModificationTime, h.Duration = 0, 0, 0
			for _, t := range tracks {
				h.Duration = max(h.Duration, bmff.Rescale(t.Duration(), t.Timescale, mvhd.Timescale))
			}
			w.WriteMediaHeader(&h, 0)
		case bmff.TypeTrak:
			id, err := trakID(c)
			if err != nil {
				return nil, err
			}
			i, ok := index[id]
			if !ok {
				w.Write(c.Raw)
				continue
			}
			var base uint64
			if bases != nil {
				base = bases[i]
			}
			if err := writeTrak(&w, c, tracks[i], base, co64); err != nil {
				return nil, err
			}
		case bmff.TypeMvex:
			if bases == nil {
				log.Debug("dropping mvex")
			}
		default:
			w.Write(c.Raw)
		}
	}
	w.EndBox()
	return w.Bytes(), nil
}

func trakID(trak *bmff.Box) (uint32, error) {
	tkhd, err := bmff.FindBox(trak.Payload(), bmff.TypeTkhd)
	if err != nil {
		return 0, err
	}
	if tkhd == nil {
		return 0, bmff.MissingBox(bmff.TypeTkhd)
	}
	h, err := bmff.ParseMediaHeader(bmff.TypeTkhd, tkhd.Payload())
	return h.TrackID, err
}

// rebuild writes container c to w, handing each child to fn. fn returns
// false for children it did not write itself, which are then copied.
func rebuild(w *bmff.Writer, c *bmff.Box, fn func(child *bmff.Box) (bool, error)) error {
	children, err := bmff.ParseChildren(c.Payload())
	if err != nil {
		return err
	}
	w.StartBox(c.Type)
	for _, child := range children {
		done, err := fn(child)
		if err != nil {
			return err
		}
		if !done {
			w.Write(child.Raw)
		}
	}
	w.EndBox()
	return nil
}

// writeHeader writes a tkhd or mdhd at version 0 with zero creation and
// modification times and the given duration.
func writeHeader(w *bmff.Writer, b *bmff.Box, duration uint64) error {
	h, err := bmff.ParseMediaHeader(b.Type, b.Payload())
	if err != nil {
		return err
	}
	h.CreationTime, h.ModificationTime, h.Duration = 0, 0, duration
	w.WriteMediaHeader(&h, 0)
	return nil
}

func writeTrak(w *bmff.Writer, trak *bmff.Box, t *TrackFragments, base uint64, co64 bool) error {
	duration := t.Duration()
	return rebuild(w, trak, func(c *bmff.Box) (bool, error) {
		switch c.Type {
		case bmff.TypeTkhd:
			return true, writeHeader(w, c, duration)
		case bmff.TypeMdia:
			return true, rebuild(w, c, func(c *bmff.Box) (bool, error) {
				switch c.Type {
				case bmff.TypeMdhd:
					return true, writeHeader(w, c, duration)
				case bmff.TypeMinf:
					return true, rebuild(w, c, func(c *bmff.Box) (bool, error) {
						if c.Type != bmff.TypeStbl {
							return false, nil
						}
						buildSampleTable(w, t, base, co64)
						return true, nil
					})
				}
				return false, nil
			})
		}
		return false, nil
	})
}
