package broker

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Method identifies one RPC of the broker.Broker service.
type Method string

const (
	MethodPublish   Method = "Publish"
	MethodSubscribe Method = "Subscribe"
	MethodFetch     Method = "Fetch"
)

// ServiceName is the fully qualified name of the broker service.
const ServiceName = "broker.Broker"

// FullName returns the gRPC method path, e.g. "/broker.Broker/Publish".
func (m Method) FullName() string {
	return "/" + ServiceName + "/" + string(m)
}

// Label is the lower-case name used in metrics and reports.
func (m Method) Label() string {
	return strings.ToLower(string(m))
}

// Streaming reports whether the server answers with a stream.
func (m Method) Streaming() bool {
	return m == MethodSubscribe
}

// Request is a transport-ready request payload.
type Request interface {
	Method() Method
	// JSON returns the proto3 JSON form used to build the wire message.
	JSON() ([]byte, error)
}

// PublishRequest carries one message to publish. Body holds the base64 form
// of the raw bytes, which is the proto3 JSON mapping of a bytes field.
type PublishRequest struct {
	Subject           string `json:"subject"`
	Body              string `json:"body"`
	ExpirationSeconds int32  `json:"expirationSeconds"`
}

// FetchRequest asks for a single message by id.
type FetchRequest struct {
	Subject string `json:"subject"`
	ID      int32  `json:"id"`
}

// SubscribeRequest opens a subscription on a subject.
type SubscribeRequest struct {
	Subject string `json:"subject"`
}

// NewPublishRequest builds a publish payload. The body is base64 encoded.
func NewPublishRequest(subject string, body []byte, ttl int32) PublishRequest {
	return PublishRequest{
		Subject:           subject,
		Body:              base64.StdEncoding.EncodeToString(body),
		ExpirationSeconds: ttl,
	}
}

// NewFetchRequest builds a fetch payload.
func NewFetchRequest(subject string, id int32) FetchRequest {
	return FetchRequest{Subject: subject, ID: id}
}

// NewSubscribeRequest builds a subscribe payload.
func NewSubscribeRequest(subject string) SubscribeRequest {
	return SubscribeRequest{Subject: subject}
}

func (PublishRequest) Method() Method   { return MethodPublish }
func (FetchRequest) Method() Method     { return MethodFetch }
func (SubscribeRequest) Method() Method { return MethodSubscribe }

func (r PublishRequest) JSON() ([]byte, error)   { return json.Marshal(r) }
func (r FetchRequest) JSON() ([]byte, error)     { return json.Marshal(r) }
func (r SubscribeRequest) JSON() ([]byte, error) { return json.Marshal(r) }

// RandomBody returns n random base32 characters taken from the entropy part
// of fresh ULIDs.
func RandomBody(n int) []byte {
	if n <= 0 {
		return nil
	}
	var sb strings.Builder
	sb.Grow(n)
	for sb.Len() < n {
		// The first 10 characters encode the timestamp.
		entropy := ulid.Make().String()[10:]
		if remaining := n - sb.Len(); remaining < len(entropy) {
			entropy = entropy[:remaining]
		}
		sb.WriteString(entropy)
	}
	return []byte(sb.String())
}
