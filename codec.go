package camaudio

// AudioCodec identifies the encoding of bytes arriving from a capture path.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecPCM16              // Signed 16-bit little-endian linear PCM
	AudioCodecG711A              // A-law (PCMA), the camera voice channel codec
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecPCM16:
		return "L16"
	case AudioCodecG711A:
		return "PCMA"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type used when the codec is exported over RTP or
// WebRTC.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecPCM16:
		return "audio/L16"
	case AudioCodecG711A:
		return "audio/PCMA"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c AudioCodec) ClockRate() uint32 {
	switch c {
	case AudioCodecG711A:
		return 8000
	case AudioCodecPCM16:
		return DefaultVendorSampleRate
	default:
		return 8000
	}
}

// DefaultPayloadType returns the static RTP payload type for this codec.
func (c AudioCodec) DefaultPayloadType() uint8 {
	switch c {
	case AudioCodecG711A:
		return 8
	default:
		return 96 // dynamic
	}
}

// BytesPerSample returns the encoded size of one mono sample.
func (c AudioCodec) BytesPerSample() int {
	switch c {
	case AudioCodecPCM16:
		return 2
	case AudioCodecG711A:
		return 1
	default:
		return 0
	}
}
