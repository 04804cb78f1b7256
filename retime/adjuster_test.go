package retime_test

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	bmff "github.com/tetsuo/mp4flat"
	"github.com/tetsuo/mp4flat/internal/mp4test"
	"github.com/tetsuo/mp4flat/retime"
)

func TestAdjusterRebasesSegments(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a := retime.NewAdjuster(retime.WithLogger(zap.New(core)))

	init := mp4test.Init(mp4test.Video(1))
	a.SetInitSegment(init)
	init[0] ^= 0xff
	if got := a.InitSegment(); got[0] == init[0] {
		t.Fatal("init segment was not copied")
	}
	if _, ok := a.BaseDecodeTime(); ok {
		t.Fatal("base captured before any segment")
	}

	seg1 := mp4test.Segment(1, mp4test.Fragment{TrackID: 1, BaseDecodeTime: 500, Samples: mp4test.Samples(3, 100, 8)})
	seg2 := mp4test.Segment(2, mp4test.Fragment{TrackID: 1, BaseDecodeTime: 800, TfdtVersion: 1, Samples: mp4test.Samples(3, 100, 8)})

	out1, err := a.Process(seg1)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := a.Process(seg2)
	if err != nil {
		t.Fatal(err)
	}
	if got := tfdts(t, out1); len(got) != 1 || got[0] != 0 {
		t.Fatalf("segment 1 tfdt = %v", got)
	}
	if got := tfdts(t, out2); len(got) != 1 || got[0] != 300 {
		t.Fatalf("segment 2 tfdt = %v", got)
	}
	if base, ok := a.BaseDecodeTime(); !ok || base != 500 {
		t.Fatalf("base = %d, %v", base, ok)
	}
	if n := logs.FilterMessage("base decode time captured").Len(); n != 1 {
		t.Fatalf("base logged %d times", n)
	}

	// Only the tfdt differs from the input.
	diff := 0
	for i := range seg2 {
		if seg2[i] != out2[i] {
			diff++
		}
	}
	if len(out2) != len(seg2) || diff == 0 || diff > 8 {
		t.Fatalf("%d bytes differ", diff)
	}
}

func TestAdjusterSaturatesBelowBase(t *testing.T) {
	a := retime.NewAdjuster()
	if _, err := a.Process(mp4test.Segment(1, mp4test.Fragment{TrackID: 1, BaseDecodeTime: 1000, Samples: mp4test.Samples(1, 10, 1)})); err != nil {
		t.Fatal(err)
	}
	out, err := a.Process(mp4test.Segment(2, mp4test.Fragment{TrackID: 1, BaseDecodeTime: 10, Samples: mp4test.Samples(1, 10, 1)}))
	if err != nil {
		t.Fatal(err)
	}
	if got := tfdts(t, out); got[0] != 0 {
		t.Fatalf("tfdt = %d, want 0", got[0])
	}
}

func TestAdjusterErrorKeepsState(t *testing.T) {
	a := retime.NewAdjuster()
	seg := mp4test.Segment(1, mp4test.Fragment{TrackID: 1, BaseDecodeTime: 700, Samples: mp4test.Samples(2, 10, 4)})
	if _, err := a.Process(seg[:len(seg)-2]); !errors.Is(err, bmff.ErrTruncatedData) {
		t.Fatalf("truncated segment: %v", err)
	}
	if _, ok := a.BaseDecodeTime(); ok {
		t.Fatal("failed segment captured a base")
	}

	if _, err := a.Process(seg); err != nil {
		t.Fatal(err)
	}
	a.Reset()
	if _, ok := a.BaseDecodeTime(); ok {
		t.Fatal("Reset kept the base")
	}
	next := mp4test.Segment(2, mp4test.Fragment{TrackID: 1, BaseDecodeTime: 9000, Samples: mp4test.Samples(2, 10, 4)})
	out, err := a.Process(next)
	if err != nil {
		t.Fatal(err)
	}
	if got := tfdts(t, out); got[0] != 0 {
		t.Fatalf("tfdt after Reset = %d", got[0])
	}
	if !bytes.Equal(out[len(out)-8:], next[len(next)-8:]) {
		t.Fatal("media data changed")
	}
}
