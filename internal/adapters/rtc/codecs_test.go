package rtc

import (
	"testing"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchCodec(t *testing.T) {
	c, ok := matchCodec(domain.KindVideo, protocol.RTPParameters{
		Codecs: []protocol.Codec{
			{MimeType: "video/vp8", ClockRate: 90000, PayloadType: 100},
			{MimeType: "video/H264", ClockRate: 90000, PayloadType: 102},
		},
		Encodings: []protocol.Encoding{{SSRC: 1, PayloadType: 102}},
	})
	require.True(t, ok)
	assert.Equal(t, webrtc.MimeTypeH264, c.params.MimeType)

	_, ok = matchCodec(domain.KindAudio, protocol.RTPParameters{
		Codecs: []protocol.Codec{{MimeType: "video/VP8", ClockRate: 90000}},
	})
	assert.False(t, ok)
}

func TestCandidateConversion(t *testing.T) {
	in := []protocol.ICECandidate{{
		Foundation: "1", Priority: 2130706431, Address: "192.0.2.1", Protocol: "udp", Port: 50000, Type: "host",
	}}
	cands, err := fromICECandidates(in)
	require.NoError(t, err)
	assert.Equal(t, in, toICECandidates(cands))

	_, err = fromICECandidates([]protocol.ICECandidate{{Protocol: "sctp", Type: "host"}})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestDTLSConversion(t *testing.T) {
	p := fromDTLSParameters(protocol.DTLSParameters{
		Role:         "client",
		Fingerprints: []protocol.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	})
	assert.Equal(t, webrtc.DTLSRoleClient, p.Role)
	back := toDTLSParameters(p)
	assert.Equal(t, "client", back.Role)
	assert.Equal(t, "AA:BB", back.Fingerprints[0].Value)
	assert.Equal(t, webrtc.DTLSRoleAuto, dtlsRole(""))
}
