package camaudio

// G.711 A-law constants.
const (
	alawSignBit   = 0x80
	alawQuantMask = 0x0f
	alawSegShift  = 4
	alawSegMask   = 0x70

	// ALawZeroNegative and ALawZeroPositive are the codes an idle encoder
	// emits. They expand to -8 and +8.
	ALawZeroNegative byte = 0x55
	ALawZeroPositive byte = 0xD5

	// silenceMagnitude is the largest expanded magnitude still counted as
	// idle-channel noise (codes 0x54/0x55/0xD4/0xD5).
	silenceMagnitude = 24

	// DefaultSilenceRatio is the share of near-zero codes above which a voice
	// payload is treated as an open but idle channel.
	DefaultSilenceRatio = 0.95
)

var alawSegEnd = [8]int16{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// alawTable is the 256-entry A-law expansion table.
var alawTable [256]int16

func init() {
	for i := range alawTable {
		alawTable[i] = alawExpand(byte(i))
	}
}

func alawExpand(a byte) int16 {
	a ^= 0x55
	t := int16(a&alawQuantMask) << 4
	seg := (a & alawSegMask) >> alawSegShift
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&alawSignBit != 0 {
		return t
	}
	return -t
}

// DecodeALaw expands one A-law byte to 16-bit linear PCM.
func DecodeALaw(a byte) int16 { return alawTable[a] }

// EncodeALaw compresses one 16-bit linear sample to A-law.
func EncodeALaw(pcm int16) byte {
	v := pcm >> 3
	var mask byte
	if v >= 0 {
		mask = 0xD5
	} else {
		mask = 0x55
		v = -v - 1
	}

	seg := 0
	for seg < len(alawSegEnd) && v > alawSegEnd[seg] {
		seg++
	}
	if seg >= len(alawSegEnd) {
		return 0x7F ^ mask
	}

	aval := byte(seg) << alawSegShift
	if seg < 2 {
		aval |= byte(v>>1) & alawQuantMask
	} else {
		aval |= byte(v>>seg) & alawQuantMask
	}
	return aval ^ mask
}

// G711aDecoder turns voice channel payloads into linear PCM.
type G711aDecoder struct {
	// SilenceRatio overrides DefaultSilenceRatio when positive.
	SilenceRatio float64
}

// Decode expands src into dst, reusing dst's capacity, and returns the
// decoded samples. One byte yields one sample.
func (d *G711aDecoder) Decode(dst []int16, src []byte) []int16 {
	if cap(dst) < len(src) {
		dst = make([]int16, len(src))
	}
	dst = dst[:len(src)]
	for i, b := range src {
		dst[i] = alawTable[b]
	}
	return dst
}

// Encode compresses linear PCM into A-law, reusing dst's capacity.
func (d *G711aDecoder) Encode(dst []byte, src []int16) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = EncodeALaw(s)
	}
	return dst
}

// SilenceRatio returns the share of payload bytes that expand to near-zero
// values.
func SilenceRatio(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	quiet := 0
	for _, b := range payload {
		v := alawTable[b]
		if v >= -silenceMagnitude && v <= silenceMagnitude {
			quiet++
		}
	}
	return float64(quiet) / float64(len(payload))
}

// IsSilence reports whether the payload looks like an open channel carrying
// encoder idle codes rather than real speech. An empty payload is not
// silence: nothing was received.
func (d *G711aDecoder) IsSilence(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	threshold := d.SilenceRatio
	if threshold <= 0 {
		threshold = DefaultSilenceRatio
	}
	return SilenceRatio(payload) >= threshold
}
