// Command broker_stub serves the in-memory broker for local runs:
//
//	go run ./scripts/testservers/broker_stub -port 8080
//	go run ./cmd/brokerload --status-check ok --duration 10s
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/brokerstub"
	"google.golang.org/grpc/codes"
)

func main() {
	port := flag.Int("port", 8080, "Listening port")
	protoFile := flag.String("proto-file", "", "Broker .proto file (defaults to the bundled schema)")
	failPublish := flag.String("fail-publish", "", "Fail every Publish with this gRPC code name, e.g. UNAVAILABLE")
	flag.Parse()

	if *port <= 0 {
		log.Fatalf("port must be > 0")
	}

	schema, err := broker.LoadSchema(*protoFile)
	if err != nil {
		log.Fatalf("load schema: %v", err)
	}
	srv, err := brokerstub.New(schema)
	if err != nil {
		log.Fatalf("stub: %v", err)
	}
	if *failPublish != "" {
		var code codes.Code
		if err := code.UnmarshalJSON([]byte(fmt.Sprintf("%q", *failPublish))); err != nil {
			log.Fatalf("fail-publish: %v", err)
		}
		srv.FailPublishWith(code)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		srv.Stop()
	}()

	log.Printf("broker stub listening on %s", lis.Addr())
	if err := srv.Serve(lis); err != nil {
		log.Fatal(err)
	}
}
