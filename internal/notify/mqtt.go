// Package notify forwards committed deployment events to an MQTT broker so
// devices and dashboards can react without polling.
//
// Events go to <prefix>/deployments/<deployment id>/events/<event type> as
// JSON. The deployment's current status is published retained to
// <prefix>/deployments/<deployment id>/status when the event carries one.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"deployline/internal/config"
	"deployline/internal/domain"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 500 // milliseconds
	defaultKeepAlive         = 60 * time.Second
)

// Publisher implements events.Publisher over MQTT.
type Publisher struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	logger *slog.Logger
}

// Connect dials the broker named in cfg.
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Publisher, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
		}
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return NewPublisher(client, cfg, logger), nil
}

// NewPublisher wraps an existing client.
func NewPublisher(client pahomqtt.Client, cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, cfg: cfg, logger: logger}
}

type message struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	DeploymentID string          `json:"deployment_id"`
	RoleName     string          `json:"role_name,omitempty"`
	ActorID      string          `json:"actor_id"`
	TS           string          `json:"ts"`
	Payload      json.RawMessage `json:"payload"`
}

func (p *Publisher) Publish(ctx context.Context, evt domain.Event) error {
	if evt.DeploymentID == "" {
		return nil
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(message{
		ID:           evt.ID,
		Type:         evt.Type,
		DeploymentID: evt.DeploymentID,
		RoleName:     evt.RoleName,
		ActorID:      evt.ActorID,
		TS:           evt.TS,
		Payload:      payload,
	})
	if err != nil {
		return err
	}
	if err := p.send(ctx, EventTopic(p.cfg.TopicPrefix, evt.DeploymentID, evt.Type), data, false); err != nil {
		return err
	}
	var withStatus struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(payload, &withStatus) == nil && withStatus.Status != "" {
		return p.send(ctx, StatusTopic(p.cfg.TopicPrefix, evt.DeploymentID), []byte(withStatus.Status), true)
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, topic string, data []byte, retained bool) error {
	token := p.client.Publish(topic, p.cfg.QoS, retained, data)
	timer := time.NewTimer(defaultPublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close disconnects after letting in-flight messages drain.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(defaultDisconnectQuiesce)
	}
}

// EventTopic is where events of one deployment are published.
func EventTopic(prefix, deploymentID, evtType string) string {
	return join(prefix, "deployments", deploymentID, "events", evtType)
}

// StatusTopic holds the retained aggregate status of one deployment.
func StatusTopic(prefix, deploymentID string) string {
	return join(prefix, "deployments", deploymentID, "status")
}

func join(parts ...string) string {
	var res []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			res = append(res, p)
		}
	}
	return strings.Join(res, "/")
}
