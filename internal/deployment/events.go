package deployment

import "time"

// EventType names a domain event raised by a StudyDeployment.
type EventType string

const (
	EventCreated               EventType = "deployment.created"
	EventDeviceRegistered      EventType = "deployment.device.registered"
	EventDeviceUnregistered    EventType = "deployment.device.unregistered"
	EventDeviceDeployed        EventType = "deployment.device.deployed"
	EventDeploymentInvalidated EventType = "deployment.device.invalidated"
	EventStarted               EventType = "deployment.started"
	EventStopped               EventType = "deployment.stopped"
)

// Event is raised exactly once per actual state transition.
type Event struct {
	Type         EventType
	DeploymentID string
	RoleName     string
	At           time.Time
	Payload      map[string]any
}

func (d *StudyDeployment) raise(evt Event) {
	evt.DeploymentID = d.id
	d.pending = append(d.pending, evt)
}

// ConsumeEvents returns the events raised since the last call and clears them.
func (d *StudyDeployment) ConsumeEvents() []Event {
	evts := d.pending
	d.pending = nil
	return evts
}
