// Package broker builds requests for the broker.Broker gRPC service and
// resolves its schema.
//
// Request payloads are plain values created by [NewPublishRequest],
// [NewFetchRequest] and [NewSubscribeRequest]. They carry no transport state;
// a [Schema] turns them into dynamic protobuf messages for the wire:
//
//	schema, _ := broker.DefaultSchema()
//	req := broker.NewPublishRequest("sub", []byte("hello"), 300)
//	msg, err := schema.NewRequestMessage(req)
//
// The bundled broker.proto is used unless a custom proto file is loaded with
// [LoadSchema].
package broker
