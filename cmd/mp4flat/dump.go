package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sunfish-shogi/bufseekio"

	bmff "github.com/tetsuo/mp4flat"
)

// dump prints the box structure of f. Only ftyp, styp, moov and moof are
// loaded; every other top-level box is reported from its header.
func dump(f *os.File, limit int64) error {
	return dumpTo(os.Stdout, bufseekio.NewReadSeeker(f, 128*1024, 4), limit)
}

func dumpTo(w io.Writer, rs io.ReadSeeker, limit int64) error {
	sc := bmff.NewScanner(rs)
	for sc.Next() {
		e := sc.Entry()
		fmt.Fprintf(w, "[%s] size=%d offset=%d", e.Type, e.Size, e.Offset)
		switch e.Type {
		case bmff.TypeFtyp, bmff.TypeStyp, bmff.TypeMoov, bmff.TypeMoof:
			raw, err := sc.ReadBox(limit)
			if err != nil {
				return err
			}
			r := bmff.NewReader(raw)
			if !r.Next() {
				return r.Err()
			}
			printBoxInfo(w, &r)
			fmt.Fprintln(w)
			if bmff.IsContainerBox(e.Type) {
				r.Enter()
				walk(w, &r, 1)
				r.Exit()
			}
			if err := r.Err(); err != nil {
				return err
			}
		case bmff.TypeMdat:
			fmt.Fprintf(w, " dataLen=%d\n", e.DataSize())
		default:
			fmt.Fprintln(w)
		}
	}
	return sc.Err()
}

func walk(w io.Writer, r *bmff.Reader, depth int) {
	indent := strings.Repeat("  ", depth)
	for r.Next() {
		fmt.Fprintf(w, "%s[%s] size=%d", indent, r.Type(), r.Size())
		if bmff.IsFullBox(r.Type()) {
			fmt.Fprintf(w, " v=%d flags=0x%06x", r.Version(), r.Flags())
		}
		printBoxInfo(w, r)
		fmt.Fprintln(w)

		switch {
		case bmff.IsContainerBox(r.Type()):
			if r.Enter() {
				walk(w, r, depth+1)
				r.Exit()
			}
		case r.Type() == bmff.TypeStsd:
			r.Enter()
			r.Skip(4) // entry count
			for r.Next() {
				printSampleEntry(w, r, depth+1)
			}
			r.Exit()
		}
	}
}

func printSampleEntry(w io.Writer, r *bmff.Reader, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s[%s] size=%d", indent, r.Type(), r.Size())

	var skip int
	switch r.Type() {
	case bmff.TypeAvc1:
		v, err := bmff.ReadVisualSampleEntry(r.Payload())
		if err != nil {
			fmt.Fprintf(w, " (%v)\n", err)
			return
		}
		fmt.Fprintf(w, " %dx%d compressor=%q\n", v.Width, v.Height, v.CompressorName)
		skip = bmff.VisualSampleEntrySize
	case bmff.TypeMp4a:
		a, err := bmff.ReadAudioSampleEntry(r.Payload())
		if err != nil {
			fmt.Fprintf(w, " (%v)\n", err)
			return
		}
		fmt.Fprintf(w, " ch=%d sampleSize=%d sampleRate=%d\n", a.ChannelCount, a.SampleSize, a.SampleRate>>16)
		skip = bmff.AudioSampleEntrySize
	default:
		fmt.Fprintf(w, " (raw %d bytes)\n", len(r.Payload()))
		return
	}

	childIndent := strings.Repeat("  ", depth+1)
	r.Enter()
	r.Skip(skip)
	for r.Next() {
		fmt.Fprintf(w, "%s[%s] size=%d", childIndent, r.Type(), r.Size())
		switch r.Type() {
		case bmff.TypeAvcC:
			fmt.Fprintf(w, " codec=avc1.%s", bmff.ReadAvcC(r.Payload()))
		case bmff.TypeEsds:
			fmt.Fprintf(w, " codec=mp4a.%s", bmff.ReadEsdsCodec(r.Payload()))
		}
		fmt.Fprintln(w)
	}
	r.Exit()
}

func printBoxInfo(w io.Writer, r *bmff.Reader) {
	p := r.Payload()
	switch t := r.Type(); t {
	case bmff.TypeFtyp, bmff.TypeStyp:
		f, err := bmff.ReadFtyp(p)
		if err != nil {
			return
		}
		fmt.Fprintf(w, " brand=%s ver=%d", f.MajorBrand[:], f.MinorVersion)
		if len(f.Compatible) > 0 {
			names := make([]string, len(f.Compatible))
			for i, c := range f.Compatible {
				names[i] = string(c[:])
			}
			fmt.Fprintf(w, " compat=[%s]", strings.Join(names, ","))
		}

	case bmff.TypeMvhd, bmff.TypeTkhd, bmff.TypeMdhd:
		h, err := bmff.ParseMediaHeader(t, p)
		if err != nil {
			return
		}
		if t == bmff.TypeTkhd {
			fmt.Fprintf(w, " trackId=%d", h.TrackID)
		} else {
			fmt.Fprintf(w, " timescale=%d", h.Timescale)
		}
		fmt.Fprintf(w, " duration=%d created=%d", h.Duration, h.CreationTime)

	case bmff.TypeHdlr:
		if ht, err := bmff.ReadHandlerType(p); err == nil {
			fmt.Fprintf(w, " type=%s name=%q", ht[:], bmff.ReadHandlerName(p))
		}

	case bmff.TypeStsd, bmff.TypeDref:
		fmt.Fprintf(w, " entries=%d", r.EntryCount())

	case bmff.TypeStsz:
		it := bmff.NewStszIter(p)
		fmt.Fprintf(w, " entries=%d", it.Count())

	case bmff.TypeStco:
		it := bmff.NewStcoIter(p)
		fmt.Fprintf(w, " entries=%d", it.Count())

	case bmff.TypeStss:
		it := bmff.NewStssIter(p)
		fmt.Fprintf(w, " entries=%d", it.Count())

	case bmff.TypeCo64:
		it := bmff.NewCo64Iter(p)
		fmt.Fprintf(w, " entries=%d", it.Count())

	case bmff.TypeStts:
		it := bmff.NewSttsIter(p)
		fmt.Fprintf(w, " entries=%d", it.Count())

	case bmff.TypeCtts:
		it := bmff.NewCttsIter(p)
		fmt.Fprintf(w, " entries=%d", it.Count())

	case bmff.TypeStsc:
		it := bmff.NewStscIter(p)
		fmt.Fprintf(w, " entries=%d", it.Count())

	case bmff.TypeTrex:
		if x, err := bmff.ParseTrex(p); err == nil {
			fmt.Fprintf(w, " trackId=%d defaultDuration=%d", x.TrackID, x.Duration)
		}

	case bmff.TypeTfhd:
		if h, err := bmff.ParseTfhd(p); err == nil {
			fmt.Fprintf(w, " trackId=%d", h.TrackID)
		}

	case bmff.TypeTfdt:
		if _, bt, err := bmff.ReadTfdt(p); err == nil {
			fmt.Fprintf(w, " baseMediaDecodeTime=%d", bt)
		}

	case bmff.TypeTrun:
		tr, err := bmff.ParseTrun(p, bmff.SampleDefaults{})
		if err != nil {
			return
		}
		fmt.Fprintf(w, " entries=%d", len(tr.Samples))
		if tr.HasDataOffset() {
			fmt.Fprintf(w, " dataOffset=%d", tr.DataOffset)
		}

	default:
		if !bmff.IsContainerBox(t) && !bmff.IsFullBox(t) && len(r.Data()) > 0 {
			fmt.Fprintf(w, " (%d bytes)", len(r.Data()))
		}
	}
}
