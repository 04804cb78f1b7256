package bmff

import "strconv"

// MPEG-4 descriptor tags found inside esds.
const (
	tagESDescriptor        = 0x03
	tagDecoderConfig       = 0x04
	tagDecoderSpecificInfo = 0x05
)

// ReadEsdsCodec extracts the RFC 6381 codec suffix from an esds payload
// (version/flags included): the object type indication in hex, followed by
// the audio object type when a DecoderSpecificInfo is present. AAC-LC
// yields "40.2". An unparseable descriptor chain yields "".
func ReadEsdsCodec(payload []byte) string {
	c := NewCursor(payload)
	if c.Skip(4) != nil {
		return ""
	}
	if _, ok := enterDescriptor(&c, tagESDescriptor); !ok {
		return ""
	}
	if c.Skip(2) != nil { // ES_ID
		return ""
	}
	flags, err := c.Uint8()
	if err != nil {
		return ""
	}
	if flags&0x80 != 0 { // streamDependenceFlag
		if c.Skip(2) != nil {
			return ""
		}
	}
	if flags&0x40 != 0 { // URL_Flag
		n, err := c.Uint8()
		if err != nil || c.Skip(int(n)) != nil {
			return ""
		}
	}
	if flags&0x20 != 0 { // OCRstreamFlag
		if c.Skip(2) != nil {
			return ""
		}
	}

	if _, ok := enterDescriptor(&c, tagDecoderConfig); !ok {
		return ""
	}
	oti, err := c.Uint8()
	if err != nil || oti == 0 {
		return ""
	}
	codec := strconv.FormatUint(uint64(oti), 16)

	// streamType(1) bufferSizeDB(3) maxBitrate(4) avgBitrate(4)
	if c.Skip(12) != nil {
		return codec
	}
	n, ok := enterDescriptor(&c, tagDecoderSpecificInfo)
	if !ok || n == 0 {
		return codec
	}
	b, err := c.Uint8()
	if err != nil {
		return codec
	}
	if aot := b >> 3; aot != 0 {
		return codec + "." + strconv.Itoa(int(aot))
	}
	return codec
}

// enterDescriptor consumes a descriptor tag and its variable-length size.
func enterDescriptor(c *Cursor, tag byte) (int, bool) {
	t, err := c.Uint8()
	if err != nil || t != tag {
		return 0, false
	}
	n := 0
	for range 4 {
		b, err := c.Uint8()
		if err != nil {
			return 0, false
		}
		n = n<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			return n, true
		}
	}
	return 0, false
}
