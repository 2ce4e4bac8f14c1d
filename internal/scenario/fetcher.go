package scenario

import (
	"context"

	"github.com/torosent/brokerload/internal/broker"
)

// CorruptID doubles every id divisible by five so that one in five fetches
// targets a message that should not exist.
func CorruptID(id int32) int32 {
	if id%5 == 0 {
		return id + id
	}
	return id
}

// Fetcher fetches single messages by id. It is driven by a Publisher and is
// never scheduled on its own.
type Fetcher struct {
	env *Env
}

func NewFetcher(env *Env) *Fetcher {
	return &Fetcher{env: env}
}

// Fetch issues one Fetch for the (possibly corrupted) id and returns the
// response, or nil when none was received.
func (f *Fetcher) Fetch(ctx context.Context, subject string, id int32) *broker.Response {
	return f.env.call(ctx, broker.NewFetchRequest(subject, CorruptID(id)))
}

// AfterPublish implements Correlator.
func (f *Fetcher) AfterPublish(ctx context.Context, subject string, id int32) {
	f.Fetch(ctx, subject, id)
}
