package broker

import (
	"time"

	"google.golang.org/grpc/codes"
)

// Response is what the broker answered for one call. A nil *Response means
// the call never reached the broker.
type Response struct {
	Method  Method
	Status  codes.Code
	Message []byte // proto3 JSON of the last reply message, if any
	Body    []byte // decoded body of a MessageResponse, nil when discarded
	// Messages counts stream messages received by Subscribe.
	Messages int
	Latency  time.Duration
	Err      error
}

// OK reports whether the call completed with status OK.
func (r *Response) OK() bool {
	return r != nil && r.Status == codes.OK
}

// StatusLabel returns the status code name, or "NoResponse" for a nil response.
func (r *Response) StatusLabel() string {
	if r == nil {
		return "NoResponse"
	}
	return r.Status.String()
}
