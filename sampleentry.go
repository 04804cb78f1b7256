package bmff

// Fixed header lengths of sample entries, before their child boxes.
const (
	VisualSampleEntrySize = 78
	AudioSampleEntrySize  = 28
)

// VisualSampleEntry holds parsed fields from a visual sample entry (e.g. avc1).
type VisualSampleEntry struct {
	DataReferenceIndex uint16
	Width              uint16
	Height             uint16
	CompressorName     string
	Depth              uint16
}

// ReadVisualSampleEntry parses a visual sample entry payload.
// Child boxes (e.g. avcC) follow at VisualSampleEntrySize.
func ReadVisualSampleEntry(payload []byte) (VisualSampleEntry, error) {
	if len(payload) < VisualSampleEntrySize {
		return VisualSampleEntry{}, &BoxError{Type: TypeAvc1, Offset: int64(len(payload)), Err: ErrTruncatedData}
	}
	nameLen := min(int(payload[42]), 31)
	return VisualSampleEntry{
		DataReferenceIndex: be.Uint16(payload[6:8]),
		Width:              be.Uint16(payload[24:26]),
		Height:             be.Uint16(payload[26:28]),
		CompressorName:     string(payload[43 : 43+nameLen]),
		Depth:              be.Uint16(payload[74:76]),
	}, nil
}

// AudioSampleEntry holds parsed fields from an audio sample entry (e.g. mp4a).
type AudioSampleEntry struct {
	DataReferenceIndex uint16
	ChannelCount       uint16
	SampleSize         uint16
	SampleRate         uint32 // 16.16 fixed point
}

// ReadAudioSampleEntry parses an audio sample entry payload.
// Child boxes (e.g. esds) follow at AudioSampleEntrySize.
func ReadAudioSampleEntry(payload []byte) (AudioSampleEntry, error) {
	if len(payload) < AudioSampleEntrySize {
		return AudioSampleEntry{}, &BoxError{Type: TypeMp4a, Offset: int64(len(payload)), Err: ErrTruncatedData}
	}
	return AudioSampleEntry{
		DataReferenceIndex: be.Uint16(payload[6:8]),
		ChannelCount:       be.Uint16(payload[16:18]),
		SampleSize:         be.Uint16(payload[18:20]),
		SampleRate:         be.Uint32(payload[24:28]),
	}, nil
}

// ReadAvcC extracts the profile/compatibility/level triple from an avcC
// payload as six hex digits, e.g. "64001f".
func ReadAvcC(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var buf [6]byte
	for i, b := range payload[1:4] {
		buf[2*i] = hexChars[b>>4]
		buf[2*i+1] = hexChars[b&0x0f]
	}
	return string(buf[:])
}

// SampleEntryCodec returns the RFC 6381 codec string of the first sample
// entry in an stsd payload, such as "avc1.64001f" or "mp4a.40.2". Unknown
// entries yield their four-character type.
func SampleEntryCodec(stsd []byte) string {
	if len(stsd) < 8 {
		return ""
	}
	r := NewReader(stsd[8:])
	if !r.Next() {
		return ""
	}
	t := r.Type()
	var skip int
	var child BoxType
	switch t {
	case TypeAvc1, BoxType{'a', 'v', 'c', '3'}:
		skip, child = VisualSampleEntrySize, TypeAvcC
	case TypeMp4a:
		skip, child = AudioSampleEntrySize, TypeEsds
	default:
		return t.String()
	}
	payload := r.Payload()
	if len(payload) < skip {
		return t.String()
	}
	b, err := FindBox(payload[skip:], child)
	if err != nil || b == nil {
		return t.String()
	}
	var suffix string
	if child == TypeAvcC {
		suffix = ReadAvcC(b.Payload())
	} else {
		suffix = ReadEsdsCodec(b.Payload())
	}
	if suffix == "" {
		return t.String()
	}
	return t.String() + "." + suffix
}
