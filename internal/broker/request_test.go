package broker

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestNewPublishRequestEncodesBody(t *testing.T) {
	req := NewPublishRequest("sub", []byte("hello"), 30)
	if req.Subject != "sub" {
		t.Fatalf("Subject = %q, want sub", req.Subject)
	}
	if req.ExpirationSeconds != 30 {
		t.Fatalf("ExpirationSeconds = %d, want 30", req.ExpirationSeconds)
	}
	decoded, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		t.Fatalf("body is not base64: %v", err)
	}
	if string(decoded) != "hello" {
		t.Fatalf("decoded body = %q, want hello", decoded)
	}
	if req.Method() != MethodPublish {
		t.Fatalf("Method() = %s", req.Method())
	}
}

func TestRequestJSONFieldNames(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		keys []string
	}{
		{"publish", NewPublishRequest("sub", []byte("x"), 300), []string{"subject", "body", "expirationSeconds"}},
		{"fetch", NewFetchRequest("sub", 7), []string{"subject", "id"}},
		{"subscribe", NewSubscribeRequest("sub"), []string{"subject"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.req.JSON()
			if err != nil {
				t.Fatalf("JSON() error = %v", err)
			}
			var fields map[string]interface{}
			if err := json.Unmarshal(raw, &fields); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(fields) != len(tt.keys) {
				t.Fatalf("got %d fields, want %d: %s", len(fields), len(tt.keys), raw)
			}
			for _, key := range tt.keys {
				if _, ok := fields[key]; !ok {
					t.Errorf("missing field %q in %s", key, raw)
				}
			}
		})
	}
}

func TestMethodNames(t *testing.T) {
	if got := MethodPublish.FullName(); got != "/broker.Broker/Publish" {
		t.Errorf("FullName = %q", got)
	}
	if got := MethodFetch.Label(); got != "fetch" {
		t.Errorf("Label = %q", got)
	}
	if !MethodSubscribe.Streaming() || MethodFetch.Streaming() {
		t.Error("only Subscribe should stream")
	}
}

func TestRandomBodyLength(t *testing.T) {
	for _, n := range []int{0, 4, 16, 40} {
		body := RandomBody(n)
		if len(body) != n {
			t.Errorf("RandomBody(%d) length = %d", n, len(body))
		}
	}
	if string(RandomBody(8)) == string(RandomBody(8)) {
		t.Error("expected different random bodies")
	}
}
