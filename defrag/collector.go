package defrag

import (
	"go.uber.org/zap"

	bmff "github.com/tetsuo/mp4flat"
)

// SampleDescriptor describes one sample gathered from a track run.
type SampleDescriptor struct {
	Duration          uint32
	Size              uint32
	Flags             uint32
	CompositionOffset int32
}

// IsSync reports whether the sample is a sync sample.
func (s SampleDescriptor) IsSync() bool { return bmff.IsSyncSample(s.Flags) }

// TrackFragments holds everything collected for one trak: its identity
// from moov and the samples and sample bytes of all its fragments, in
// file order.
type TrackFragments struct {
	TrackID   uint32
	Timescale uint32
	Handler   [4]byte

	// SampleDescription is the raw stsd box of the trak, or nil.
	SampleDescription []byte

	Samples []SampleDescriptor
	Payload []byte
}

// Duration returns the sum of the sample durations in the media timescale.
func (t *TrackFragments) Duration() uint64 {
	var d uint64
	for _, s := range t.Samples {
		d += uint64(s.Duration)
	}
	return d
}

// Codec returns the codec string of the first sample entry, or "".
func (t *TrackFragments) Codec() string {
	r := bmff.NewReader(t.SampleDescription)
	if !r.Next() {
		return ""
	}
	return bmff.SampleEntryCodec(r.Payload())
}

// Collect gathers the samples of every fragment of file, grouped by trak.
// data is the buffer file was parsed from. The result has one entry per
// trak of moov, in moov order.
//
// Every moof is paired with the mdat that follows it. Sample bytes that
// fall outside that mdat fail with ErrTruncatedData. Track fragments of a
// track that moov does not declare are skipped.
func Collect(file *bmff.File, data []byte, opts ...Option) ([]*TrackFragments, error) {
	o := newOptions(opts)
	if !file.Fragmented() {
		return nil, bmff.ErrNotFragmented
	}
	if file.Moov == nil {
		return nil, bmff.MissingBox(bmff.TypeMoov)
	}
	tracks, err := readTracks(file.Moov)
	if err != nil {
		return nil, err
	}
	trex, err := bmff.ReadTrexes(file.Moov)
	if err != nil {
		return nil, err
	}

	c := collector{
		data:   data,
		tracks: make(map[uint32]*TrackFragments, len(tracks)),
		trex:   trex,
		log:    o.log,
	}
	for _, t := range tracks {
		if _, dup := c.tracks[t.TrackID]; !dup {
			c.tracks[t.TrackID] = t
		}
	}

	var pending []*bmff.Box
	for _, e := range file.Entries {
		switch e := e.(type) {
		case *bmff.Box:
			if e.Type == bmff.TypeMoof {
				pending = append(pending, e)
			}
		case *bmff.MdatSpan:
			for _, moof := range pending {
				if err := c.moof(moof, e); err != nil {
					return nil, err
				}
			}
			pending = pending[:0]
		}
	}
	if len(pending) > 0 {
		o.log.Debug("moof without media data", zap.Int("count", len(pending)))
	}
	for _, t := range tracks {
		o.log.Debug("track collected",
			zap.Uint32("trackID", t.TrackID),
			zap.Int("samples", len(t.Samples)),
			zap.Int("bytes", len(t.Payload)))
	}
	return tracks, nil
}

// readTracks returns an empty TrackFragments for every trak of moov.
func readTracks(moov *bmff.Box) ([]*TrackFragments, error) {
	children, err := bmff.ParseChildren(moov.Payload())
	if err != nil {
		return nil, err
	}
	var out []*TrackFragments
	for _, trak := range children {
		if trak.Type != bmff.TypeTrak {
			continue
		}
		tkhd, err := bmff.FindBox(trak.Payload(), bmff.TypeTkhd)
		if err != nil {
			return nil, err
		}
		if tkhd == nil {
			return nil, bmff.MissingBox(bmff.TypeTkhd)
		}
		th, err := bmff.ParseMediaHeader(bmff.TypeTkhd, tkhd.Payload())
		if err != nil {
			return nil, err
		}

		mdia, err := bmff.FindBox(trak.Payload(), bmff.TypeMdia)
		if err != nil {
			return nil, err
		}
		if mdia == nil {
			return nil, bmff.MissingBox(bmff.TypeMdia)
		}
		mdhd, err := bmff.FindBox(mdia.Payload(), bmff.TypeMdhd)
		if err != nil {
			return nil, err
		}
		if mdhd == nil {
			return nil, bmff.MissingBox(bmff.TypeMdhd)
		}
		mh, err := bmff.ParseMediaHeader(bmff.TypeMdhd, mdhd.Payload())
		if err != nil {
			return nil, err
		}

		t := &TrackFragments{TrackID: th.TrackID, Timescale: mh.Timescale}
		if hdlr, err := bmff.FindBox(mdia.Payload(), bmff.TypeHdlr); err != nil {
			return nil, err
		} else if hdlr != nil {
			if t.Handler, err = bmff.ReadHandlerType(hdlr.Payload()); err != nil {
				return nil, err
			}
		}
		stsd, err := bmff.FindBoxPath(mdia.Payload(), bmff.TypeMinf, bmff.TypeStbl, bmff.TypeStsd)
		if err != nil {
			return nil, err
		}
		if stsd != nil {
			t.SampleDescription = stsd.Raw
		}
		out = append(out, t)
	}
	return out, nil
}

type collector struct {
	data   []byte
	tracks map[uint32]*TrackFragments
	trex   map[uint32]bmff.Trex
	log    *zap.Logger
}

// moof collects the track fragments of one moof whose sample data lives
// in mdat.
func (c *collector) moof(moof *bmff.Box, mdat *bmff.MdatSpan) error {
	trafs, err := bmff.ParseChildren(moof.Payload())
	if err != nil {
		return err
	}
	moofStart := moof.Offset
	prevEnd := moofStart
	first := true
	for _, traf := range trafs {
		if traf.Type != bmff.TypeTraf {
			continue
		}
		end, err := c.traf(traf, moofStart, prevEnd, first, mdat)
		if err != nil {
			return err
		}
		prevEnd = end
		first = false
	}
	return nil
}

// traf collects one track fragment and returns the file offset just past
// its last sample.
func (c *collector) traf(traf *bmff.Box, moofStart, prevEnd int64, first bool, mdat *bmff.MdatSpan) (int64, error) {
	children, err := bmff.ParseChildren(traf.Payload())
	if err != nil {
		return 0, err
	}
	var tfhd *bmff.Tfhd
	for _, b := range children {
		if b.Type == bmff.TypeTfhd {
			h, err := bmff.ParseTfhd(b.Payload())
			if err != nil {
				return 0, err
			}
			tfhd = &h
			break
		}
	}
	if tfhd == nil {
		return 0, bmff.MissingBox(bmff.TypeTfhd)
	}

	var base int64
	switch {
	case tfhd.Has(bmff.TfhdBaseDataOffsetPresent):
		base = int64(tfhd.BaseDataOffset)
	case first || tfhd.Has(bmff.TfhdDefaultBaseIsMoof):
		base = moofStart
	default:
		base = prevEnd
	}

	t := c.tracks[tfhd.TrackID]
	if t == nil {
		c.log.Debug("skipping fragment of unknown track", zap.Uint32("trackID", tfhd.TrackID))
	}
	defaults := tfhd.Defaults(c.trex[tfhd.TrackID].SampleDefaults)

	pos := base
	for _, b := range children {
		if b.Type != bmff.TypeTrun {
			continue
		}
		sum, err := bmff.SumTrun(b.Payload(), defaults)
		if err != nil {
			return 0, err
		}
		// A run may not list more samples than its mdat has bytes.
		if int64(sum.SampleCount) > mdat.PayloadSize {
			return 0, &bmff.BoxError{Type: bmff.TypeTrun, Offset: b.Offset, Err: bmff.ErrMalformedBox}
		}
		tr, err := bmff.ParseTrun(b.Payload(), defaults)
		if err != nil {
			return 0, err
		}
		start := pos
		if tr.HasDataOffset() {
			start = base + int64(tr.DataOffset)
		}
		if !mdat.Contains(start, sum.DataSize) {
			return 0, &bmff.BoxError{Type: bmff.TypeTrun, Offset: start, Err: bmff.ErrTruncatedData}
		}
		pos = start + int64(sum.DataSize)
		if t == nil {
			continue
		}
		for _, s := range tr.Samples {
			t.Samples = append(t.Samples, SampleDescriptor{
				Duration:          s.Duration,
				Size:              s.Size,
				Flags:             s.Flags,
				CompositionOffset: s.CompositionTimeOffset,
			})
		}
		t.Payload = append(t.Payload, c.data[start:pos]...)
	}
	return pos, nil
}
