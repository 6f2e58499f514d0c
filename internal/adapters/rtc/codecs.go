package rtc

import (
	"strings"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/pion/webrtc/v4"
)

type codecEntry struct {
	kind   webrtc.RTPCodecType
	params webrtc.RTPCodecParameters
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// codecTable is both what the engine registers and what it reports as capabilities.
var codecTable = []codecEntry{
	{
		kind: webrtc.RTPCodecTypeAudio,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
	},
	{
		kind: webrtc.RTPCodecTypeVideo,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 96,
		},
	},
	{
		kind: webrtc.RTPCodecTypeVideo,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		},
	},
}

func registerCodecs(m *webrtc.MediaEngine) error {
	for _, c := range codecTable {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return err
		}
	}
	return nil
}

func capabilities() protocol.RTPCapabilities {
	caps := protocol.RTPCapabilities{Codecs: make([]protocol.Codec, 0, len(codecTable))}
	for _, c := range codecTable {
		caps.Codecs = append(caps.Codecs, toProtocolCodec(c.kind, c.params))
	}
	return caps
}

func toProtocolCodec(kind webrtc.RTPCodecType, p webrtc.RTPCodecParameters) protocol.Codec {
	return protocol.Codec{
		Kind:        kind.String(),
		MimeType:    p.MimeType,
		PayloadType: uint8(p.PayloadType),
		ClockRate:   p.ClockRate,
		Channels:    p.Channels,
		SDPFmtpLine: p.SDPFmtpLine,
	}
}

func codecType(kind domain.Kind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// matchCodec picks the engine codec for a producer's RTP parameters. The
// first encoding's payload type selects among the offered codecs.
func matchCodec(kind domain.Kind, rtp protocol.RTPParameters) (codecEntry, bool) {
	want := codecType(kind)
	var pt uint8
	if len(rtp.Encodings) > 0 {
		pt = rtp.Encodings[0].PayloadType
	}
	offered := rtp.Codecs
	if pt != 0 {
		for _, c := range rtp.Codecs {
			if c.PayloadType == pt {
				offered = []protocol.Codec{c}
				break
			}
		}
	}
	for _, o := range offered {
		for _, c := range codecTable {
			if c.kind == want && strings.EqualFold(c.params.MimeType, o.MimeType) && c.params.ClockRate == o.ClockRate {
				return c, true
			}
		}
	}
	return codecEntry{}, false
}
