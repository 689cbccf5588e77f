package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	natsjs "github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ackflow/internal/runtime/config"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
	"github.com/drblury/ackflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsPublisherConfirms)
	assert.True(t, caps.SupportsAsyncConfirms)
}

func TestTransportImplementsAsyncPublisher(t *testing.T) {
	var _ transport.AsyncPublisher = (*Transport)(nil)
	var _ message.Publisher = (*Transport)(nil)
	var _ message.Subscriber = (*Transport)(nil)
}

func TestConfigWithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	assert.Equal(t, natsgo.DefaultURL, got.URL)
	assert.Equal(t, DefaultStreamName, got.StreamName)
	assert.Equal(t, DefaultMaxPending, got.MaxPending)
	assert.Equal(t, DefaultAckWait, got.AckWait)

	custom := Config{URL: "nats://a:4222", StreamName: "ORDERS", MaxPending: 8, AckWait: time.Second}.withDefaults()
	assert.Equal(t, "ORDERS", custom.StreamName)
	assert.Equal(t, 8, custom.MaxPending)
}

func TestBuildConnectFailureClosesFeed(t *testing.T) {
	original := Connect
	t.Cleanup(func() { Connect = original })

	var gotURL string
	var gotOpts int
	Connect = func(url string, opts ...natsgo.Option) (*natsgo.Conn, error) {
		gotURL = url
		gotOpts = len(opts)
		return nil, errors.New("no servers available")
	}

	cfg := config.Default()
	cfg.NATSURL = "nats://broker:4222"
	_, err := Build(context.Background(), &cfg, watermill.NopLogger{})

	assert.ErrorContains(t, err, "no servers available")
	assert.Equal(t, "nats://broker:4222", gotURL)
	assert.Greater(t, gotOpts, 2, "connection handlers are installed")
}

type fakeFuture struct {
	ok  chan *natsjs.PubAck
	err chan error
}

func newFakeFuture() *fakeFuture {
	return &fakeFuture{ok: make(chan *natsjs.PubAck, 1), err: make(chan error, 1)}
}

func (f *fakeFuture) Ok() <-chan *natsjs.PubAck { return f.ok }
func (f *fakeFuture) Err() <-chan error         { return f.err }

func TestAwaitAck(t *testing.T) {
	closing := make(chan struct{})

	ok := newFakeFuture()
	ok.ok <- &natsjs.PubAck{Stream: "ACKFLOW", Sequence: 7}
	assert.NoError(t, awaitAck(ok, closing))

	rejected := newFakeFuture()
	boom := errors.New("maximum messages exceeded")
	rejected.err <- boom
	assert.ErrorIs(t, awaitAck(rejected, closing), boom)

	pending := newFakeFuture()
	close(closing)
	assert.ErrorIs(t, awaitAck(pending, closing), errClosed)
}

func TestNATSConversionRoundTrip(t *testing.T) {
	tr := &Transport{config: Config{StreamName: "ACKFLOW"}}

	msg := message.NewMessage("uuid-1", []byte(`{"n":1}`))
	msg.Metadata.Set("content_type", "application/json")
	metadatapkg.SetCorrelationToken(msg, "tok-9")

	nm := tr.toNATS("orders.created", msg)
	assert.Equal(t, "ACKFLOW.orders.created", nm.Subject)
	assert.Equal(t, "uuid-1", nm.Header.Get(headerUUID))

	back := fromNATS(nm.Data, nm.Header)
	assert.Equal(t, "uuid-1", back.UUID)
	assert.Equal(t, "application/json", back.Metadata.Get("content_type"))
	assert.Equal(t, "tok-9", metadatapkg.CorrelationToken(back))
	assert.Empty(t, back.Metadata.Get(headerUUID))
}

func TestFromNATSGeneratesMissingUUID(t *testing.T) {
	msg := fromNATS([]byte("x"), natsgo.Header{})
	assert.NotEmpty(t, msg.UUID)
}

func TestMsgIDPrefersCorrelationToken(t *testing.T) {
	msg := message.NewMessage("uuid-1", nil)
	assert.Equal(t, "uuid-1", msgID(msg))

	metadatapkg.SetCorrelationToken(msg, "tok-1")
	assert.Equal(t, "tok-1", msgID(msg))
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "ackflow_orders_created", consumerName("orders.created"))
	assert.Equal(t, "ackflow_a__", consumerName("a.>"))
}
