package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"deployline/internal/config"
	"deployline/internal/domain"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient overrides the calls Publisher makes; anything else panics on
// the nil embedded interface.
type fakeClient struct {
	pahomqtt.Client
	connected bool
	err       error
	sent      []published
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.sent = append(c.sent, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func TestPublish_EventAndRetainedStatus(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, config.MQTTConfig{QoS: 1, TopicPrefix: "/deployline/"}, nil)

	err := p.Publish(context.Background(), domain.Event{
		ID:           7,
		Type:         "deployment.started",
		DeploymentID: "dep-1",
		ActorID:      "ops",
		Payload:      `{"status":"running"}`,
	})
	require.NoError(t, err)
	require.Len(t, client.sent, 2)

	require.Equal(t, "deployline/deployments/dep-1/events/deployment.started", client.sent[0].topic)
	require.Equal(t, byte(1), client.sent[0].qos)
	require.False(t, client.sent[0].retained)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(client.sent[0].payload, &msg))
	require.Equal(t, float64(7), msg["id"])
	require.Equal(t, "running", msg["payload"].(map[string]any)["status"])

	require.Equal(t, "deployline/deployments/dep-1/status", client.sent[1].topic)
	require.True(t, client.sent[1].retained)
	require.Equal(t, "running", string(client.sent[1].payload))
}

func TestPublish_Errors(t *testing.T) {
	offline := NewPublisher(&fakeClient{}, config.MQTTConfig{}, nil)
	require.ErrorIs(t, offline.Publish(context.Background(), domain.Event{DeploymentID: "d", Type: "x"}), ErrNotConnected)

	broken := &fakeClient{connected: true, err: errors.New("refused")}
	p := NewPublisher(broken, config.MQTTConfig{}, nil)
	require.ErrorIs(t, p.Publish(context.Background(), domain.Event{DeploymentID: "d", Type: "x"}), ErrPublishFailed)

	// Events outside a deployment are not forwarded.
	require.NoError(t, p.Publish(context.Background(), domain.Event{Type: "api_key.created"}))
}

func TestTopics(t *testing.T) {
	require.Equal(t, "deployments/d/status", StatusTopic("", "d"))
	require.Equal(t, "a/b/deployments/d/events/t", EventTopic("a/b/", "d", "t"))
}
