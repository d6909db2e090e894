// Package audio interprets the one-byte FLV audio tag header that leads every
// RTMP audio payload.
// As defined in the FLV spec: https://www.adobe.com/content/dam/acom/en/devnet/flv/video_file_format_spec_v10_1.pdf
package audio

type Format uint8

const (
	LinearPCMPlatformEndian Format = 0
	ADPCM                   Format = 1
	MP3                     Format = 2
	LinearPCMLittleEndian   Format = 3
	Nellymoser16KHzMono     Format = 4
	Nellymoser8KHzMono      Format = 5
	Nellymoser              Format = 6
	G711AlawLogPCM          Format = 7
	G711MulawLogPCM         Format = 8
	AAC                     Format = 10
	Speex                   Format = 11
	MP38KHz                 Format = 14
	DeviceSpecificSound     Format = 15
)

func (f Format) String() string {
	switch f {
	case LinearPCMPlatformEndian, LinearPCMLittleEndian:
		return "PCM"
	case ADPCM:
		return "ADPCM"
	case MP3, MP38KHz:
		return "MP3"
	case Nellymoser, Nellymoser8KHzMono, Nellymoser16KHzMono:
		return "Nellymoser"
	case G711AlawLogPCM, G711MulawLogPCM:
		return "G711"
	case AAC:
		return "AAC"
	case Speex:
		return "Speex"
	default:
		return "unknown"
	}
}

type SampleRate uint8

const (
	Rate5p5KHz SampleRate = 0
	Rate11KHz  SampleRate = 1
	Rate22KHz  SampleRate = 2
	Rate44KHz  SampleRate = 3
)

type SampleSize uint8

const (
	Size8Bit  SampleSize = 0
	Size16Bit SampleSize = 1
)

type Channel uint8

const (
	Mono   Channel = 0
	Stereo Channel = 1
)

type AACPacketType uint8

const (
	AACSequenceHeader AACPacketType = 0
	AACRaw            AACPacketType = 1
)

// TagHeader is the decoded first byte of an audio payload.
type TagHeader struct {
	Format     Format
	SampleRate SampleRate
	SampleSize SampleSize
	Channels   Channel
}

// ParseTagHeader decodes the audio tag header. ok is false for an empty
// payload.
func ParseTagHeader(payload []byte) (h TagHeader, ok bool) {
	if len(payload) == 0 {
		return h, false
	}
	b := payload[0]
	h.Format = Format(b >> 4)
	h.SampleRate = SampleRate((b >> 2) & 0x03)
	h.SampleSize = SampleSize((b >> 1) & 0x01)
	h.Channels = Channel(b & 0x01)
	return h, true
}

// IsSequenceHeader reports whether payload is an AAC sequence header, the
// config record play-out sinks need before any raw AAC frame.
func IsSequenceHeader(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	h, _ := ParseTagHeader(payload)
	return h.Format == AAC && AACPacketType(payload[1]) == AACSequenceHeader
}
