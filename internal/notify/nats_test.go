package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/incident"
)

func TestNATSPublisher_PublishesEvents(t *testing.T) {
	pub, err := NewNATSPublisher(Options{SubjectPrefix: "test.incidents"}, zap.NewNop())
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Health(context.Background()))

	nc, err := natsgo.Connect(pub.URL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *natsgo.Msg, 4)
	sub, err := nc.ChanSubscribe("test.incidents.>", msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	inc := &incident.Incident{ID: 7, Type: "cpu", Status: incident.StatusEscalated, Severity: incident.SeverityCritical}
	require.NoError(t, pub.Publish(context.Background(), incident.Event{
		Kind:     incident.EventEscalated,
		Incident: inc,
		From:     incident.StatusDetected,
		At:       time.Now().UTC(),
	}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "test.incidents.escalated", msg.Subject)
		var got incident.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, incident.EventEscalated, got.Kind)
		assert.Equal(t, int64(7), got.Incident.ID)
		assert.Equal(t, incident.StatusDetected, got.From)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestManagerPublishesThroughNATS(t *testing.T) {
	pub, err := NewNATSPublisher(Options{}, zap.NewNop())
	require.NoError(t, err)
	defer pub.Close()

	nc, err := natsgo.Connect(pub.URL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *natsgo.Msg, 8)
	_, err = nc.ChanSubscribe(pub.Subject(incident.EventCreated), msgs)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	m := incident.NewManager(incident.NewMemoryStore(), zap.NewNop(), incident.WithEventSink(pub))
	_, _, err = m.Create(context.Background(), incident.NewIncident{Type: "cpu", Severity: incident.SeverityWarning})
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, "sentinel.incidents.created", msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("created event not received")
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), incident.Event{}))
	p.Close()
}
