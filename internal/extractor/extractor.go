// Package extractor pulls correlation values, such as the message id, out of
// the proto3 JSON form of broker replies.
package extractor

import (
	"math"

	"github.com/torosent/brokerload/internal/broker"
)

// DefaultIDPath locates the id in a PublishResponse.
const DefaultIDPath = "id"

// IDExtractor reads a message id from publish replies.
type IDExtractor struct {
	path string
}

// NewIDExtractor returns an extractor for the given JSON path ("id", "$.id").
// An empty path selects DefaultIDPath.
func NewIDExtractor(path string) *IDExtractor {
	if path == "" {
		path = DefaultIDPath
	}
	return &IDExtractor{path: normalizePath(path)}
}

// Path returns the normalized path.
func (e *IDExtractor) Path() string {
	return e.path
}

// MessageID returns the id carried by resp. found is false when there is no
// response, no reply message, or the path is absent; the id is then 0, which is
// also what proto3 JSON omits for a zero id.
func (e *IDExtractor) MessageID(resp *broker.Response) (id int32, found bool) {
	if resp == nil || len(resp.Message) == 0 {
		return 0, false
	}
	result, ok := lookup(resp.Message, e.path)
	if !ok {
		return 0, false
	}
	v := result.Int()
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, false
	}
	return int32(v), true
}

// Value returns the string form of path in a JSON document, or "" when absent.
func Value(body []byte, path string) string {
	result, ok := lookup(body, normalizePath(path))
	if !ok {
		return ""
	}
	return result.String()
}
