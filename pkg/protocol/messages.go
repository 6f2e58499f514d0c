// Package protocol defines the control-channel messages exchanged between the
// signaling server and its clients.
//
// Every frame is a JSON Envelope. Requests carry a client chosen id and the
// server answers with a "response" envelope carrying the same id and either
// data or an error. Pushes are envelopes without an id.
package protocol

import (
	"encoding/json"
	"strings"
)

// Client -> Server requests.
const (
	TypeGetCapabilities  = "getCapabilities"
	TypeCreateTransport  = "createTransport"
	TypeConnectTransport = "connectTransport"
	TypeProduce          = "produce"
	TypeConsume          = "consume"
	TypeProduceData      = "produceData"
	TypeConsumeData      = "consumeData"
	TypeGetProducers     = "getProducers"
	TypeCloseProducer    = "closeProducer"
	TypeCloseConsumer    = "closeConsumer"
	TypeChatMessage      = "chatMessage"
	TypePing             = "ping"
)

// Server -> Client messages.
const (
	TypeResponse             = "response"
	TypeNewProducer          = "newProducer"
	TypeProducerClosed       = "producerClosed"
	TypeBroadcastChatMessage = "broadcastChatMessage"
	TypeTransportClosed      = "transportClosed"
)

// Envelope is the frame shape for requests, responses and pushes.
type Envelope struct {
	ID    uint64          `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// NewEnvelope marshals v as the envelope data.
func NewEnvelope(id uint64, typ string, v any) (Envelope, error) {
	env := Envelope{ID: id, Type: typ}
	if v == nil {
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return env, err
	}
	env.Data = data
	return env, nil
}

type Codec struct {
	Kind        string `json:"kind"`
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"preferredPayloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

type RTPCapabilities struct {
	Codecs []Codec `json:"codecs"`
}

// Supports reports whether a codec with the same mime type and clock rate is listed.
func (c RTPCapabilities) Supports(codec Codec) bool {
	for _, have := range c.Codecs {
		if strings.EqualFold(have.MimeType, codec.MimeType) && have.ClockRate == codec.ClockRate {
			return true
		}
	}
	return false
}

type Encoding struct {
	SSRC        uint32 `json:"ssrc"`
	PayloadType uint8  `json:"payloadType"`
	RID         string `json:"rid,omitempty"`
}

type RTPParameters struct {
	Codecs    []Codec    `json:"codecs"`
	Encodings []Encoding `json:"encodings"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation     string `json:"foundation"`
	Priority       uint32 `json:"priority"`
	Address        string `json:"address"`
	Protocol       string `json:"protocol"`
	Port           uint16 `json:"port"`
	Type           string `json:"type"`
	TCPType        string `json:"tcpType,omitempty"`
	RelatedAddress string `json:"relatedAddress,omitempty"`
	RelatedPort    uint16 `json:"relatedPort,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

type SCTPParameters struct {
	// Port must always equal 5000.
	Port           uint16 `json:"port"`
	OS             uint16 `json:"os"`
	MIS            uint16 `json:"mis"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type SCTPCapabilities struct {
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

// SCTPStreamParameters describe the reliability of one SCTP stream.
// If Ordered is true then MaxPacketLifeTime and MaxRetransmits must be unset.
type SCTPStreamParameters struct {
	StreamID          uint16  `json:"streamId"`
	Ordered           *bool   `json:"ordered,omitempty"`
	MaxPacketLifeTime *uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    *uint16 `json:"maxRetransmits,omitempty"`
}

type CreateTransportRequest struct {
	Role string `json:"role"`
	// EnableData defaults to true when omitted.
	EnableData *bool `json:"enableData,omitempty"`
}

type TransportDescriptor struct {
	ID             string          `json:"id"`
	ICEParameters  ICEParameters   `json:"iceParameters"`
	ICECandidates  []ICECandidate  `json:"iceCandidates"`
	DTLSParameters DTLSParameters  `json:"dtlsParameters"`
	SCTPParameters *SCTPParameters `json:"sctpParameters,omitempty"`
}

type ConnectTransportRequest struct {
	TransportID      string            `json:"transportId"`
	DTLSParameters   DTLSParameters    `json:"dtlsParameters"`
	ICEParameters    *ICEParameters    `json:"iceParameters,omitempty"`
	ICECandidates    []ICECandidate    `json:"iceCandidates,omitempty"`
	SCTPCapabilities *SCTPCapabilities `json:"sctpCapabilities,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type ConnectTransportResponse = SuccessResponse

type ProduceRequest struct {
	TransportID   string        `json:"transportId,omitempty"`
	Kind          string        `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type IDResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          string        `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type ProduceDataRequest struct {
	TransportID          string                `json:"transportId,omitempty"`
	ProducerID           string                `json:"producerId,omitempty"`
	Label                string                `json:"label,omitempty"`
	Protocol             string                `json:"protocol,omitempty"`
	SCTPStreamParameters *SCTPStreamParameters `json:"sctpStreamParameters,omitempty"`
}

type ConsumeDataRequest struct {
	// DataProducerID is a chat key ("{producerId}-data") or a raw data producer id.
	DataProducerID string `json:"dataProducerId"`
	TransportID    string `json:"transportId,omitempty"`
}

// ConsumeDataResponse is either a data consumer descriptor or the fallback outcome.
type ConsumeDataResponse struct {
	ID                   string                `json:"id,omitempty"`
	DataProducerID       string                `json:"dataProducerId,omitempty"`
	TransportID          string                `json:"transportId,omitempty"`
	SCTPStreamParameters *SCTPStreamParameters `json:"sctpStreamParameters,omitempty"`
	Label                string                `json:"label,omitempty"`
	Protocol             string                `json:"protocol,omitempty"`
	Fallback             bool                  `json:"fallback,omitempty"`
}

type ProducerInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	StreamID string `json:"streamId,omitempty"`
}

type NewProducerEvent struct {
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
	StreamID   string `json:"streamId,omitempty"`
}

type ProducerClosedEvent struct {
	ProducerID string `json:"producerId"`
	StreamID   string `json:"streamId,omitempty"`
}

type TransportClosedEvent struct {
	TransportID string `json:"transportId"`
	Reason      string `json:"reason,omitempty"`
}

type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

type CloseConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

// ChatPayload is both the chatMessage request and the broadcastChatMessage push.
type ChatPayload struct {
	StreamID string      `json:"streamId"`
	Message  ChatMessage `json:"message"`
}

type PongResponse struct {
	Pong bool `json:"pong"`
}
