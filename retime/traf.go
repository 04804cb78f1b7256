package retime

import (
	bmff "github.com/tetsuo/mp4flat"
)

// trafInfo is the timing view of one track fragment.
type trafInfo struct {
	trackID  uint32
	tfdtAt   int64 // absolute offset of the tfdt payload, -1 when absent
	decode   uint64
	duration uint64 // sum of the trun sample durations
}

func (t *trafInfo) hasTfdt() bool { return t.tfdtAt >= 0 }

// scanMoof lists the trafs of a top-level moof in order. Sample durations
// missing from a trun come from the tfhd, then from trex.
func scanMoof(moof *bmff.Box, trex map[uint32]bmff.Trex) ([]trafInfo, error) {
	var out []trafInfo
	base := moof.Offset + int64(moof.HeaderSize)
	r := bmff.NewReader(moof.Payload())
	for r.Next() {
		if r.Type() != bmff.TypeTraf {
			continue
		}
		if !r.Enter() {
			break
		}
		info := trafInfo{tfdtAt: -1}
		var defaults bmff.SampleDefaults
		for r.Next() {
			switch r.Type() {
			case bmff.TypeTfhd:
				tfhd, err := bmff.ParseTfhd(r.Payload())
				if err != nil {
					return nil, err
				}
				info.trackID = tfhd.TrackID
				defaults = tfhd.Defaults(trex[tfhd.TrackID].SampleDefaults)
			case bmff.TypeTfdt:
				_, v, err := bmff.ReadTfdt(r.Payload())
				if err != nil {
					return nil, err
				}
				if !info.hasTfdt() {
					info.tfdtAt = base + int64(r.PayloadOffset())
					info.decode = v
				}
			case bmff.TypeTrun:
				sum, err := bmff.SumTrun(r.Payload(), defaults)
				if err != nil {
					return nil, err
				}
				info.duration += sum.Duration
			}
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		r.Exit()
		out = append(out, info)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// trackClock follows the fragments of one track through a file.
type trackClock struct {
	offset    uint64 // first tfdt of the track
	rebased   bool
	start     uint64 // rebased start of the latest fragment
	duration  uint64 // duration of the latest fragment
	fragments int
}

// advance accounts for the next fragment of the track and returns its
// rebased start. A fragment without tfdt starts where the previous one
// ended. When the runs carry no durations, the gap since the previous start
// stands in for the duration.
func (c *trackClock) advance(t *trafInfo) (start uint64, approximated bool) {
	switch {
	case t.hasTfdt():
		if !c.rebased {
			c.offset, c.rebased = t.decode, true
		}
		start = t.decode - min(t.decode, c.offset)
	case c.fragments > 0:
		start = c.start + c.duration
	}
	d := t.duration
	if d == 0 && c.fragments > 0 {
		d = start - min(start, c.start)
		approximated = true
	}
	if d > 0 {
		c.duration = d
	}
	c.start = start
	c.fragments++
	return start, approximated
}

// total is the track duration: the last start plus the last duration.
func (c *trackClock) total() uint64 { return c.start + c.duration }

// trackIndex maps a 1-based track ID to a 0-based track position.
func trackIndex(trackID uint32) int {
	if trackID == 0 {
		return 0
	}
	return int(trackID - 1)
}
