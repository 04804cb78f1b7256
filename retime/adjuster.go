package retime

import (
	"bytes"

	"go.uber.org/zap"

	bmff "github.com/tetsuo/mp4flat"
)

// Adjuster rebases the media segments of a live fragmented stream as they
// arrive. The first tfdt it sees becomes the base for the whole stream and
// every later tfdt is rewritten relative to it.
//
// An Adjuster is not safe for concurrent use.
type Adjuster struct {
	log     *zap.Logger
	init    []byte
	base    uint64
	hasBase bool
}

// NewAdjuster returns an Adjuster with no base captured.
func NewAdjuster(opts ...Option) *Adjuster {
	o := newOptions(opts)
	return &Adjuster{log: o.log}
}

// SetInitSegment stores a copy of the stream's init segment. The init
// segment is not interpreted.
func (a *Adjuster) SetInitSegment(data []byte) {
	a.init = bytes.Clone(data)
}

// InitSegment returns the stored init segment, or nil.
func (a *Adjuster) InitSegment() []byte { return a.init }

// Process returns a copy of segment with every moof/traf/tfdt rebased. All
// other bytes are copied unchanged. A segment that fails to parse leaves
// the Adjuster as it was.
func (a *Adjuster) Process(segment []byte) ([]byte, error) {
	f, err := bmff.Parse(segment)
	if err != nil {
		return nil, err
	}
	var trafs []trafInfo
	for _, moof := range f.Boxes(bmff.TypeMoof) {
		t, err := scanMoof(moof, nil)
		if err != nil {
			return nil, err
		}
		trafs = append(trafs, t...)
	}

	out := bytes.Clone(segment)
	base, hasBase := a.base, a.hasBase
	for _, t := range trafs {
		if !t.hasTfdt() {
			continue
		}
		if !hasBase {
			base, hasBase = t.decode, true
			a.log.Debug("base decode time captured", zap.Uint32("trackID", t.trackID), zap.Uint64("base", base))
		}
		if err := bmff.PutTfdt(out[t.tfdtAt:], t.decode-min(t.decode, base)); err != nil {
			return nil, err
		}
	}
	a.base, a.hasBase = base, hasBase
	return out, nil
}

// BaseDecodeTime returns the captured base and whether one was captured.
func (a *Adjuster) BaseDecodeTime() (uint64, bool) { return a.base, a.hasBase }

// Reset forgets the captured base. The init segment is kept.
func (a *Adjuster) Reset() {
	a.base, a.hasBase = 0, false
}
