package metrics

import (
	"cmp"
	"slices"
	"strings"

	"google.golang.org/grpc/codes"
)

// noResponseLabel matches broker.Response.StatusLabel for a nil response.
const noResponseLabel = "NoResponse"

// StatusBucket is the failure count of one method/status pair.
type StatusBucket struct {
	Method string
	Code   string
	Count  int
}

// FlattenStatusBuckets turns method -> status -> count into rows ordered by
// count (largest first), then method, then status.
func FlattenStatusBuckets(buckets map[string]map[string]int) []StatusBucket {
	var rows []StatusBucket
	for method, byCode := range buckets {
		for code, n := range byCode {
			rows = append(rows, StatusBucket{Method: method, Code: code, Count: n})
		}
	}
	slices.SortFunc(rows, func(a, b StatusBucket) int {
		return cmp.Or(
			cmp.Compare(b.Count, a.Count),
			cmp.Compare(a.Method, b.Method),
			cmp.Compare(a.Code, b.Code),
		)
	})
	return rows
}

// statusDescriptions explains the codes a broker load test usually hits.
var statusDescriptions = map[codes.Code]string{
	codes.Canceled:           "Call cancelled",
	codes.Unknown:            "Unknown error",
	codes.InvalidArgument:    "Invalid argument",
	codes.DeadlineExceeded:   "Deadline exceeded",
	codes.NotFound:           "Not found",
	codes.AlreadyExists:      "Already exists",
	codes.PermissionDenied:   "Permission denied",
	codes.ResourceExhausted:  "Broker overloaded (resource exhausted)",
	codes.FailedPrecondition: "Failed precondition",
	codes.Aborted:            "Aborted",
	codes.OutOfRange:         "Out of range",
	codes.Unimplemented:      "Method not implemented by broker",
	codes.Internal:           "Broker internal error",
	codes.Unavailable:        "Broker unavailable",
	codes.DataLoss:           "Data loss",
	codes.Unauthenticated:    "Unauthenticated",
}

// FriendlyStatusName describes a status label produced by
// broker.Response.StatusLabel. Labels it does not know are returned as is.
func FriendlyStatusName(label string) string {
	label = strings.TrimSpace(label)
	switch label {
	case "":
		return "Unknown status"
	case noResponseLabel:
		return "No response (connection failed)"
	}
	var code codes.Code
	// UnmarshalJSON accepts the upper snake case names.
	if err := code.UnmarshalJSON([]byte(`"` + toSnakeUpper(label) + `"`)); err == nil {
		if desc, ok := statusDescriptions[code]; ok {
			return desc
		}
	}
	return label
}

// toSnakeUpper turns "InvalidArgument" into "INVALID_ARGUMENT".
func toSnakeUpper(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
