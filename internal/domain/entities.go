package domain

type TransportState string

const (
	TransportNew        TransportState = "new"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportFailed     TransportState = "failed"
	TransportClosed     TransportState = "closed"
)

// Terminal reports whether no further transition is possible.
func (s TransportState) Terminal() bool {
	return s == TransportFailed || s == TransportClosed
}

// Transport is one negotiated media/data transport of a connection.
type Transport struct {
	ID          TransportID    `json:"id"`
	Owner       ConnectionID   `json:"owner"`
	Role        Role           `json:"role"`
	DataEnabled bool           `json:"data_enabled"`
	State       TransportState `json:"state"`
	ICEState    string         `json:"ice_state,omitempty"`
	DTLSState   string         `json:"dtls_state,omitempty"`
	SCTPState   string         `json:"sctp_state,omitempty"`
}

// Producer is one inbound media track. Its directory entry is a live stream.
type Producer struct {
	ID          ProducerID   `json:"id"`
	Kind        Kind         `json:"kind"`
	Owner       ConnectionID `json:"owner"`
	TransportID TransportID  `json:"transport_id"`
}

// StreamID groups the producers of one publishing connection.
func (p Producer) StreamID() string { return string(p.Owner) }

// DataProducer carries chat for one stream.
type DataProducer struct {
	ID          DataProducerID `json:"id"`
	ChatKey     ChatKey        `json:"chat_key"`
	Owner       ConnectionID   `json:"owner"`
	TransportID TransportID    `json:"transport_id"`
	Label       string         `json:"label"`
	Protocol    string         `json:"protocol"`
}

type Consumer struct {
	ID          ConsumerID   `json:"id"`
	ProducerID  ProducerID   `json:"producer_id"`
	Kind        Kind         `json:"kind"`
	Owner       ConnectionID `json:"owner"`
	TransportID TransportID  `json:"transport_id"`
}

type DataConsumer struct {
	ID             DataConsumerID `json:"id"`
	DataProducerID DataProducerID `json:"data_producer_id"`
	Owner          ConnectionID   `json:"owner"`
	TransportID    TransportID    `json:"transport_id"`
	Label          string         `json:"label"`
	Protocol       string         `json:"protocol"`
}
