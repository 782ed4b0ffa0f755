package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEmbeddedNATS(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSBus_PublishAndSubscribe(t *testing.T) {
	s := startEmbeddedNATS(t)

	bus, err := NewNATSBus(Config{URL: s.ClientURL(), Name: "pinwarden-test"}, nil)
	require.NoError(t, err)
	defer bus.Close()

	var received *Event
	var wg sync.WaitGroup
	wg.Add(1)
	err = bus.Subscribe(EventReplicationCompleted, HandlerFunc(func(ctx context.Context, event *Event) error {
		received = event
		wg.Done()
		return nil
	}))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	sent := NewEvent(EventReplicationCompleted, "test-source", "QmTest", map[string]interface{}{
		"cid":        "QmTest",
		"successful": 2,
	})
	require.NoError(t, bus.PublishEvent(context.Background(), sent))

	wg.Wait()

	require.NotNil(t, received)
	assert.Equal(t, sent.ID, received.ID)
	assert.Equal(t, EventReplicationCompleted, received.Type)
	assert.Equal(t, "test-source", received.Source)
	assert.Equal(t, "QmTest", received.Subject)
	assert.Equal(t, "QmTest", received.Data["cid"])
	assert.Equal(t, float64(2), received.Data["successful"])
}

func TestNATSBus_DeduplicatesByEventID(t *testing.T) {
	s := startEmbeddedNATS(t)

	bus, err := NewNATSBus(Config{URL: s.ClientURL(), Name: "pinwarden-test"}, nil)
	require.NoError(t, err)
	defer bus.Close()

	var mu sync.Mutex
	var count int
	err = bus.Subscribe(EventDaemonStarted, HandlerFunc(func(ctx context.Context, event *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	event := NewEvent(EventDaemonStarted, "test", "testnet", map[string]interface{}{"pid": 123})
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.PublishEvent(context.Background(), event))
	}

	time.Sleep(1 * time.Second)

	mu.Lock()
	assert.Equal(t, 1, count, "republishing the same event id must be deduplicated")
	mu.Unlock()
}

func TestNATSBus_SubjectsSeparateEventTypes(t *testing.T) {
	s := startEmbeddedNATS(t)

	bus, err := NewNATSBus(Config{URL: s.ClientURL(), Name: "pinwarden-test"}, nil)
	require.NoError(t, err)
	defer bus.Close()

	var mu sync.Mutex
	var got []EventType
	var wg sync.WaitGroup
	wg.Add(1)
	err = bus.Subscribe(EventBackupExported, HandlerFunc(func(ctx context.Context, event *Event) error {
		mu.Lock()
		got = append(got, event.Type)
		mu.Unlock()
		wg.Done()
		return nil
	}))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, bus.PublishEvent(context.Background(),
		NewEvent(EventBackupImported, "test", "s3", nil)))
	require.NoError(t, bus.PublishEvent(context.Background(),
		NewEvent(EventBackupExported, "test", "s3", nil)))

	wg.Wait()
	mu.Lock()
	assert.Equal(t, []EventType{EventBackupExported}, got)
	mu.Unlock()
}

func TestNewEvent_PopulatesEnvelope(t *testing.T) {
	event := NewEvent(EventReplicationFailed, "replication-manager", "QmX", map[string]interface{}{"cid": "QmX"})

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventReplicationFailed, event.Type)
	assert.Equal(t, "replication-manager", event.Source)
	assert.Equal(t, "QmX", event.Subject)
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Second)
	assert.Equal(t, time.UTC, event.Timestamp.Location())
}

func TestSubjectAndConsumerNames(t *testing.T) {
	assert.Equal(t, "pinwarden.events.replication.completed", subjectFor(EventReplicationCompleted))
	assert.Equal(t, "pinwarden-consumer-daemon-started", consumerFor(EventDaemonStarted))
}

func TestNoopPublisher(t *testing.T) {
	var bus Noop
	assert.NoError(t, bus.PublishEvent(context.Background(), NewEvent(EventDaemonStopped, "x", "y", nil)))
}
