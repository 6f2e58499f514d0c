package rtc

import (
	"fmt"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/pion/webrtc/v4"
)

const (
	sctpPort           = 5000
	sctpStreams        = 1024
	sctpMaxMessageSize = 262144
)

func toICEParameters(p webrtc.ICEParameters) protocol.ICEParameters {
	return protocol.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func fromICEParameters(p protocol.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func toICECandidates(in []webrtc.ICECandidate) []protocol.ICECandidate {
	out := make([]protocol.ICECandidate, 0, len(in))
	for _, c := range in {
		out = append(out, protocol.ICECandidate{
			Foundation:     c.Foundation,
			Priority:       c.Priority,
			Address:        c.Address,
			Protocol:       c.Protocol.String(),
			Port:           c.Port,
			Type:           c.Typ.String(),
			TCPType:        c.TCPType,
			RelatedAddress: c.RelatedAddress,
			RelatedPort:    c.RelatedPort,
		})
	}
	return out
}

func fromICECandidates(in []protocol.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate protocol %q", domain.ErrBadRequest, c.Protocol)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate type %q", domain.ErrBadRequest, c.Type)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation:     c.Foundation,
			Priority:       c.Priority,
			Address:        c.Address,
			Protocol:       proto,
			Port:           c.Port,
			Typ:            typ,
			Component:      1,
			TCPType:        c.TCPType,
			RelatedAddress: c.RelatedAddress,
			RelatedPort:    c.RelatedPort,
		})
	}
	return out, nil
}

func toDTLSParameters(p webrtc.DTLSParameters) protocol.DTLSParameters {
	out := protocol.DTLSParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, protocol.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDTLSParameters(p protocol.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: dtlsRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsRole(s string) webrtc.DTLSRole {
	switch s {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	}
	return webrtc.DTLSRoleAuto
}

func sctpParameters(maxMessageSize uint32) *protocol.SCTPParameters {
	if maxMessageSize == 0 {
		maxMessageSize = sctpMaxMessageSize
	}
	return &protocol.SCTPParameters{Port: sctpPort, OS: sctpStreams, MIS: sctpStreams, MaxMessageSize: maxMessageSize}
}

func dataChannelParameters(label, proto string, s protocol.SCTPStreamParameters) *webrtc.DataChannelParameters {
	id := s.StreamID
	ordered := s.Ordered == nil || *s.Ordered
	return &webrtc.DataChannelParameters{
		Label:             label,
		Protocol:          proto,
		ID:                &id,
		Ordered:           ordered,
		MaxPacketLifeTime: s.MaxPacketLifeTime,
		MaxRetransmits:    s.MaxRetransmits,
		Negotiated:        true,
	}
}
