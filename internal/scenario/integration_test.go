package scenario_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/brokerstub"
	"github.com/torosent/brokerload/internal/check"
	"github.com/torosent/brokerload/internal/extractor"
	"github.com/torosent/brokerload/internal/grpcclient"
	"github.com/torosent/brokerload/internal/scenario"
)

func TestPublisherAgainstBrokerStub(t *testing.T) {
	schema, err := broker.DefaultSchema()
	require.NoError(t, err)
	stub, err := brokerstub.New(schema)
	require.NoError(t, err)
	opts := stub.StartBufconn()
	t.Cleanup(stub.Stop)

	dialer, err := grpcclient.NewDialer(grpcclient.Config{
		Target:                brokerstub.BufconnTarget,
		DiscardResponseBodies: true,
		SubscribeHold:         50 * time.Millisecond,
	}, schema, grpcclient.WithDialOptions(opts...))
	require.NoError(t, err)

	sink := &memorySink{}
	env := &scenario.Env{
		Scenario:          "publishers",
		Subject:           "sub",
		BodySize:          4,
		PublishIterations: 10,
		Dialer:            scenario.GRPCDialer(dialer),
		Checks:            check.Standard(check.ModeOK),
		Sink:              sink,
		IDs:               extractor.NewIDExtractor("id"),
	}
	require.NoError(t, scenario.NewPublisher(env).Run(context.Background()))

	publishes := stub.CallsFor(broker.MethodPublish)
	fetches := stub.CallsFor(broker.MethodFetch)
	require.Len(t, publishes, 10)
	require.Len(t, fetches, 10)

	for i, p := range publishes {
		assert.Equal(t, scenario.TTLFor(i), p.ExpirationSeconds)
	}
	// Ids 5 and 10 are doubled and point past the last published message.
	wantIDs := []int32{1, 2, 3, 4, 10, 6, 7, 8, 9, 20}
	for i, f := range fetches {
		assert.Equal(t, wantIDs[i], f.ID, "fetch %d", i)
	}

	assert.Equal(t, 20, sink.count(check.NameResponseExists, true))
	assert.Equal(t, 18, sink.count(check.NameStatusAcceptable, true))
	assert.Equal(t, 2, sink.count(check.NameStatusAcceptable, false))

	subEnv := env.ForScenario("subscribers")
	require.NoError(t, scenario.NewSubscriber(subEnv).Run(context.Background()))
	assert.Len(t, stub.CallsFor(broker.MethodSubscribe), 1)
	assert.Equal(t, 22, sink.count(check.NameResponseExists, true))
}

func TestUnreachableBrokerYieldsNilResponses(t *testing.T) {
	schema, err := broker.DefaultSchema()
	require.NoError(t, err)
	dialer, err := grpcclient.NewDialer(grpcclient.Config{
		Target:         "127.0.0.1:1",
		ConnectTimeout: 100 * time.Millisecond,
	}, schema)
	require.NoError(t, err)

	sink := &memorySink{}
	env := &scenario.Env{
		Scenario: "subscribers",
		Subject:  "sub",
		Dialer:   scenario.GRPCDialer(dialer),
		Checks:   check.Standard(check.ModeNotOK),
		Sink:     sink,
	}
	require.NoError(t, scenario.NewSubscriber(env).Run(context.Background()))

	assert.Equal(t, 1, sink.count(check.NameResponseExists, false))
	assert.Equal(t, 1, sink.count(check.NameStatusAcceptable, false))
}
