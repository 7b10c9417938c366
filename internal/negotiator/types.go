package negotiator

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Role says which direction media flows over a transport.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

func (r Role) Valid() bool {
	return r == RoleProducer || r == RoleConsumer
}

// TransportState tracks the DTLS handshake of a transport.
type TransportState string

const (
	StateNew        TransportState = "new"
	StateConnecting TransportState = "connecting"
	StateConnected  TransportState = "connected"
	StateClosed     TransportState = "closed"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// DTLSParameters carries the role and certificate fingerprints of one side.
type DTLSParameters struct {
	Role         string                   `json:"role"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// TransportParams is what a client needs to connect to a new transport.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	ClockRate            int            `json:"clockRate"`
	Channels             int            `json:"channels,omitempty"`
	PreferredPayloadType int            `json:"preferredPayloadType,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
}

type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

type RTPCodecParameters struct {
	MimeType    string         `json:"mimeType"`
	PayloadType int            `json:"payloadType"`
	ClockRate   int            `json:"clockRate"`
	Channels    int            `json:"channels,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RTPParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings,omitempty"`
}

type ConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type ConsumerParams struct {
	ProducerID     string        `json:"producerId"`
	ID             string        `json:"id"`
	Kind           MediaKind     `json:"kind"`
	RTPParameters  RTPParameters `json:"rtpParameters"`
	Type           string        `json:"type"`
	ProducerPaused bool          `json:"producerPaused"`
}

// TransportInfo is a snapshot of one transport.
type TransportInfo struct {
	ID          string         `json:"id"`
	StreamKey   string         `json:"streamKey"`
	Role        Role           `json:"role"`
	State       TransportState `json:"state"`
	CreatedAt   time.Time      `json:"createdAt"`
	ConnectedAt *time.Time     `json:"connectedAt,omitempty"`
	Producers   []string       `json:"producers,omitempty"`
	Consumers   []string       `json:"consumers,omitempty"`
}

type EventType string

const (
	EventICECandidate       EventType = "ice-candidate"
	EventTransportConnected EventType = "transport-connected"
	EventTransportClosed    EventType = "transport-closed"
	EventProducerCreated    EventType = "producer-created"
	EventProducerClosed     EventType = "producer-closed"
)

// Event is emitted for transport lifecycle changes. Candidate is set for
// ice-candidate events, ProducerID and Kind for producer events.
type Event struct {
	Type        EventType
	TransportID string
	StreamKey   string
	Role        Role
	ProducerID  string
	Kind        MediaKind
	Candidate   *webrtc.ICECandidateInit
	Reason      string
	At          time.Time
}
