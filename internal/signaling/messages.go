package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"stream-orchestrator/internal/negotiator"
)

// Request methods.
const (
	MethodCreateProducerTransport = "createProducerTransport"
	MethodCreateConsumerTransport = "createConsumerTransport"
	MethodConnectTransport        = "connectTransport"
	MethodProduce                 = "produce"
	MethodConsume                 = "consume"
	MethodResume                  = "resume"
	MethodCloseTransport          = "closeTransport"
	MethodAddICECandidate         = "addIceCandidate"
	MethodRouterCapabilities      = "routerCapabilities"
)

// Push methods, sent without an id.
const (
	MethodICECandidate       = "iceCandidate"
	MethodTransportConnected = "transportConnected"
	MethodTransportClosed    = "transportClosed"
	MethodSessionState       = "sessionState"
)

// Request is one client frame.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same id. Exactly one of Result and
// Error is set.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Push is a server initiated notification.
type Push struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type connectParams struct {
	TransportID    string                    `json:"transportId"`
	DTLSParameters negotiator.DTLSParameters `json:"dtlsParameters"`
}

type produceParams struct {
	TransportID   string                   `json:"transportId"`
	Kind          negotiator.MediaKind     `json:"kind"`
	RTPParameters negotiator.RTPParameters `json:"rtpParameters"`
}

type consumeParams struct {
	TransportID     string                     `json:"transportId"`
	ProducerID      string                     `json:"producerId"`
	RTPCapabilities negotiator.RTPCapabilities `json:"rtpCapabilities"`
}

type candidateParams struct {
	TransportID string                  `json:"transportId"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
}

type transportRef struct {
	TransportID string `json:"transportId"`
}

type consumerRef struct {
	ConsumerID string `json:"consumerId"`
}

type produceResult struct {
	ID string `json:"id"`
}

type candidatePush struct {
	TransportID string                  `json:"transportId"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
}

type transportPush struct {
	TransportID string `json:"transportId"`
	Reason      string `json:"reason,omitempty"`
}
