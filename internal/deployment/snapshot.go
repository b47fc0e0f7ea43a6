package deployment

import (
	"errors"
	"fmt"
	"time"

	"deployline/internal/protocol"
)

// ErrInvalidSnapshot is returned when a snapshot is structurally inconsistent.
var ErrInvalidSnapshot = errors.New("deployment: invalid snapshot")

// Snapshot is the persisted structural state of a deployment. Derived
// status is never stored.
type Snapshot struct {
	ID          string                  `json:"id"`
	CreatedOn   time.Time               `json:"created_on"`
	Blueprint   protocol.Blueprint      `json:"blueprint"`
	Assignments []ParticipantAssignment `json:"assignments"`
	Log         []LogEntry              `json:"registration_log"`
	Deployed    []string                `json:"deployed_devices"`
	Invalidated []string                `json:"invalidated_deployed_devices"`
	StartedOn   *time.Time              `json:"started_on,omitempty"`
	StoppedOn   *time.Time              `json:"stopped_on,omitempty"`
}

func (d *StudyDeployment) Snapshot() Snapshot {
	return Snapshot{
		ID:          d.id,
		CreatedOn:   d.createdOn,
		Blueprint:   d.blueprint,
		Assignments: d.Assignments(),
		Log:         append([]LogEntry(nil), d.log...),
		Deployed:    d.DeployedDevices(),
		Invalidated: d.InvalidatedDevices(),
		StartedOn:   copyTime(d.startedOn),
		StoppedOn:   copyTime(d.stoppedOn),
	}
}

// FromSnapshot restores a deployment. The registration log is replayed only
// to check it; no events are raised and nothing is recomputed.
func FromSnapshot(s Snapshot) (*StudyDeployment, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidSnapshot)
	}
	d := &StudyDeployment{
		id:          s.ID,
		createdOn:   s.CreatedOn,
		blueprint:   s.Blueprint,
		assignments: append([]ParticipantAssignment(nil), s.Assignments...),
		registrable: registrableDevices(s.Blueprint),
		log:         append([]LogEntry(nil), s.Log...),
		deployed:    map[string]bool{},
		invalidated: map[string]bool{},
		startedOn:   copyTime(s.StartedOn),
		stoppedOn:   copyTime(s.StoppedOn),
	}

	active := map[string]bool{}
	for i, e := range d.log {
		if _, ok := d.blueprint.Device(e.RoleName); !ok {
			return nil, fmt.Errorf("%w: log entry %d names unknown device %q", ErrInvalidSnapshot, i, e.RoleName)
		}
		switch {
		case e.Registration != nil && active[e.RoleName]:
			return nil, fmt.Errorf("%w: log entry %d registers %q twice", ErrInvalidSnapshot, i, e.RoleName)
		case e.Registration == nil && !active[e.RoleName]:
			return nil, fmt.Errorf("%w: log entry %d unregisters unregistered %q", ErrInvalidSnapshot, i, e.RoleName)
		}
		active[e.RoleName] = e.Registration != nil
	}
	for _, role := range s.Deployed {
		if err := d.checkDeployable(role); err != nil {
			return nil, err
		}
		if !active[role] {
			return nil, fmt.Errorf("%w: deployed device %q is not registered", ErrInvalidSnapshot, role)
		}
		d.deployed[role] = true
	}
	for _, role := range s.Invalidated {
		if err := d.checkDeployable(role); err != nil {
			return nil, err
		}
		if d.deployed[role] {
			return nil, fmt.Errorf("%w: device %q is both deployed and invalidated", ErrInvalidSnapshot, role)
		}
		d.invalidated[role] = true
	}
	return d, nil
}

func (d *StudyDeployment) checkDeployable(role string) error {
	dev, ok := d.blueprint.Device(role)
	if !ok {
		return fmt.Errorf("%w: unknown device %q", ErrInvalidSnapshot, role)
	}
	if !dev.IsPrimary {
		return fmt.Errorf("%w: connected device %q cannot be deployed", ErrInvalidSnapshot, role)
	}
	return nil
}
