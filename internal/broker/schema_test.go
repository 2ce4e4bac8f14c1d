package broker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSchemaResolvesMethods(t *testing.T) {
	schema, err := DefaultSchema()
	if err != nil {
		t.Fatalf("DefaultSchema() error = %v", err)
	}
	if schema.Service().GetFullyQualifiedName() != ServiceName {
		t.Fatalf("service = %s", schema.Service().GetFullyQualifiedName())
	}
	for _, m := range []Method{MethodPublish, MethodSubscribe, MethodFetch} {
		md, err := schema.Method(m)
		if err != nil {
			t.Fatalf("Method(%s) error = %v", m, err)
		}
		if md.IsServerStreaming() != m.Streaming() {
			t.Errorf("%s streaming = %v", m, md.IsServerStreaming())
		}
	}
}

func TestNewRequestMessageFromJSON(t *testing.T) {
	schema, err := DefaultSchema()
	if err != nil {
		t.Fatalf("DefaultSchema() error = %v", err)
	}

	msg, err := schema.NewRequestMessage(NewPublishRequest("sub", []byte("payload"), 30))
	if err != nil {
		t.Fatalf("NewRequestMessage() error = %v", err)
	}
	body, err := msg.TryGetFieldByName("body")
	if err != nil {
		t.Fatalf("body field: %v", err)
	}
	if string(body.([]byte)) != "payload" {
		t.Errorf("body = %q, want payload", body)
	}
	ttl, err := msg.TryGetFieldByName("expirationSeconds")
	if err != nil {
		t.Fatalf("expirationSeconds field: %v", err)
	}
	if ttl.(int32) != 30 {
		t.Errorf("expirationSeconds = %v, want 30", ttl)
	}

	fetch, err := schema.NewRequestMessage(NewFetchRequest("sub", 42))
	if err != nil {
		t.Fatalf("NewRequestMessage(fetch) error = %v", err)
	}
	id, _ := fetch.TryGetFieldByName("id")
	if id.(int32) != 42 {
		t.Errorf("id = %v, want 42", id)
	}
}

func TestLoadSchemaFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.proto")
	if err := os.WriteFile(path, []byte(embeddedProto), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadSchema(path); err != nil {
		t.Fatalf("LoadSchema() error = %v", err)
	}
}

func TestLoadSchemaMissingService(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "other.proto")
	content := `syntax = "proto3";
package other;
service Greeter {
  rpc SayHello (Hello) returns (Hello);
}
message Hello { string name = 1; }
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadSchema(path); err == nil {
		t.Fatal("expected error for proto without broker service")
	}
}
