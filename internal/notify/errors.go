package notify

import "errors"

var (
	// ErrNotConnected is returned when publishing on a disconnected client.
	ErrNotConnected = errors.New("notify: mqtt client not connected")

	// ErrConnectionFailed is returned when the initial broker connection fails.
	ErrConnectionFailed = errors.New("notify: mqtt connection failed")

	// ErrPublishFailed is returned when the broker did not accept a message.
	ErrPublishFailed = errors.New("notify: mqtt publish failed")
)
