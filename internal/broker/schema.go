package broker

import (
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
)

//go:embed broker.proto
var embeddedProto string

// EmbeddedProtoName is the file name under which the bundled schema is parsed.
const EmbeddedProtoName = "broker.proto"

// Schema resolves the broker service methods from a parsed proto file.
type Schema struct {
	service *desc.ServiceDescriptor
	methods map[Method]*desc.MethodDescriptor
}

// DefaultSchema parses the bundled broker.proto.
func DefaultSchema() (*Schema, error) {
	parser := protoparse.Parser{
		Accessor: protoparse.FileContentsFromMap(map[string]string{
			EmbeddedProtoName: embeddedProto,
		}),
	}
	return parseSchema(parser, EmbeddedProtoName)
}

// LoadSchema parses the proto file at path. An empty path yields the bundled schema.
func LoadSchema(path string) (*Schema, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultSchema()
	}
	parser := protoparse.Parser{
		ImportPaths: []string{filepath.Dir(path)},
	}
	return parseSchema(parser, filepath.Base(path))
}

func parseSchema(parser protoparse.Parser, name string) (*Schema, error) {
	files, err := parser.ParseFiles(name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no descriptors parsed from %s", name)
	}
	for _, file := range files {
		for _, svc := range file.GetServices() {
			if !matchesServiceName(svc, ServiceName) {
				continue
			}
			s := &Schema{service: svc, methods: map[Method]*desc.MethodDescriptor{}}
			for _, m := range []Method{MethodPublish, MethodSubscribe, MethodFetch} {
				md := svc.FindMethodByName(string(m))
				if md == nil {
					return nil, fmt.Errorf("method %s not found in service %s", m, svc.GetFullyQualifiedName())
				}
				if md.IsServerStreaming() != m.Streaming() {
					return nil, fmt.Errorf("method %s: unexpected streaming mode", m)
				}
				s.methods[m] = md
			}
			return s, nil
		}
	}
	return nil, fmt.Errorf("service %s not found in %s", ServiceName, name)
}

func matchesServiceName(svc *desc.ServiceDescriptor, target string) bool {
	if svc.GetFullyQualifiedName() == target {
		return true
	}
	return strings.HasSuffix(target, "."+svc.GetName())
}

// Method returns the descriptor of m.
func (s *Schema) Method(m Method) (*desc.MethodDescriptor, error) {
	md, ok := s.methods[m]
	if !ok {
		return nil, fmt.Errorf("unknown broker method %q", m)
	}
	return md, nil
}

// Service returns the broker service descriptor.
func (s *Schema) Service() *desc.ServiceDescriptor {
	return s.service
}

// NewRequestMessage builds the wire message for req from its JSON form.
func (s *Schema) NewRequestMessage(req Request) (*dynamic.Message, error) {
	md, err := s.Method(req.Method())
	if err != nil {
		return nil, err
	}
	payload, err := req.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Method(), err)
	}
	msg := dynamic.NewMessage(md.GetInputType())
	if err := msg.UnmarshalJSON(payload); err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.Method(), err)
	}
	return msg, nil
}

// NewResponseMessage returns an empty reply message for m.
func (s *Schema) NewResponseMessage(m Method) (*dynamic.Message, error) {
	md, err := s.Method(m)
	if err != nil {
		return nil, err
	}
	return dynamic.NewMessage(md.GetOutputType()), nil
}
