package deployment

import (
	"sort"
	"strings"
	"time"

	"deployline/internal/protocol"
)

// ParticipantAssignment assigns primary devices of the blueprint to a participant.
type ParticipantAssignment struct {
	ParticipantID          string   `json:"participant_id"`
	PrimaryDeviceRoleNames []string `json:"primary_device_role_names"`
}

// RegistrableDevice is derived once from the blueprint at creation.
type RegistrableDevice struct {
	Device             protocol.Device `json:"device"`
	CanBeDeployed      bool            `json:"can_be_deployed"`
	RequiresDeployment bool            `json:"requires_deployment"`
}

// LogEntry is one append-only registration history record. A nil
// Registration marks an unregistration.
type LogEntry struct {
	RoleName     string              `json:"role_name"`
	Registration *DeviceRegistration `json:"registration,omitempty"`
}

// StudyDeployment is the aggregate root. It is not safe for concurrent use;
// callers serialize access per deployment id.
type StudyDeployment struct {
	id          string
	createdOn   time.Time
	blueprint   protocol.Blueprint
	assignments []ParticipantAssignment
	registrable []RegistrableDevice

	log         []LogEntry
	deployed    map[string]bool
	invalidated map[string]bool
	startedOn   *time.Time
	stoppedOn   *time.Time

	pending []Event
}

// New creates a deployment for a deployable blueprint.
func New(id string, blueprint protocol.Blueprint, assignments []ParticipantAssignment, now time.Time) (*StudyDeployment, error) {
	d := &StudyDeployment{
		id:          id,
		createdOn:   now.UTC(),
		blueprint:   blueprint,
		deployed:    map[string]bool{},
		invalidated: map[string]bool{},
	}
	if strings.TrimSpace(id) == "" {
		return nil, d.fail(ErrValidation, "", "deployment id is required")
	}
	if err := blueprint.Validate(); err != nil {
		return nil, &Error{Kind: ErrConfiguration, DeploymentID: id, Message: err.Error()}
	}
	if err := d.checkAssignments(assignments); err != nil {
		return nil, err
	}
	d.assignments = append([]ParticipantAssignment(nil), assignments...)
	d.registrable = registrableDevices(blueprint)
	d.raise(Event{Type: EventCreated, At: d.createdOn, Payload: map[string]any{
		"protocol_id":  blueprint.ID,
		"participants": len(assignments),
	}})
	return d, nil
}

func (d *StudyDeployment) checkAssignments(assignments []ParticipantAssignment) error {
	if len(assignments) == 0 {
		return d.fail(ErrValidation, "", "at least one participant assignment is required")
	}
	participants := map[string]bool{}
	assigned := map[string]bool{}
	for _, a := range assignments {
		if strings.TrimSpace(a.ParticipantID) == "" {
			return d.fail(ErrValidation, "", "participant id is required")
		}
		if participants[a.ParticipantID] {
			return d.fail(ErrValidation, "", "participant %s is assigned more than once", a.ParticipantID)
		}
		participants[a.ParticipantID] = true
		if len(a.PrimaryDeviceRoleNames) == 0 {
			return d.fail(ErrValidation, "", "participant %s has no assigned devices", a.ParticipantID)
		}
		for _, role := range a.PrimaryDeviceRoleNames {
			dev, ok := d.blueprint.Device(role)
			if !ok {
				return d.fail(ErrValidation, role, "assigned device is not part of the protocol")
			}
			if !dev.IsPrimary {
				return d.fail(ErrValidation, role, "only primary devices can be assigned to participants")
			}
			assigned[role] = true
		}
	}
	for _, dev := range d.blueprint.PrimaryDevices() {
		if !assigned[dev.RoleName] {
			return d.fail(ErrValidation, dev.RoleName, "primary device is not assigned to any participant")
		}
	}
	return nil
}

func registrableDevices(b protocol.Blueprint) []RegistrableDevice {
	res := make([]RegistrableDevice, 0, len(b.Devices))
	for _, dev := range b.Devices {
		res = append(res, RegistrableDevice{
			Device:             dev,
			CanBeDeployed:      dev.IsPrimary,
			RequiresDeployment: dev.IsPrimary && !dev.IsOptional,
		})
	}
	return res
}

func (d *StudyDeployment) ID() string                    { return d.id }
func (d *StudyDeployment) CreatedOn() time.Time          { return d.createdOn }
func (d *StudyDeployment) Blueprint() protocol.Blueprint { return d.blueprint }
func (d *StudyDeployment) StartedOn() *time.Time         { return copyTime(d.startedOn) }
func (d *StudyDeployment) StoppedOn() *time.Time         { return copyTime(d.stoppedOn) }
func (d *StudyDeployment) IsStopped() bool               { return d.stoppedOn != nil }

func (d *StudyDeployment) Assignments() []ParticipantAssignment {
	return append([]ParticipantAssignment(nil), d.assignments...)
}

func (d *StudyDeployment) RegistrableDevices() []RegistrableDevice {
	return append([]RegistrableDevice(nil), d.registrable...)
}

// DeployedDevices returns the role names of deployed devices, sorted.
func (d *StudyDeployment) DeployedDevices() []string { return sortedKeys(d.deployed) }

// InvalidatedDevices returns the role names of devices needing redeployment, sorted.
func (d *StudyDeployment) InvalidatedDevices() []string { return sortedKeys(d.invalidated) }

func (d *StudyDeployment) registrableDevice(role string) (RegistrableDevice, bool) {
	for _, r := range d.registrable {
		if r.Device.RoleName == role {
			return r, true
		}
	}
	return RegistrableDevice{}, false
}

func (d *StudyDeployment) requiresDeployment(role string) bool {
	r, ok := d.registrableDevice(role)
	return ok && r.RequiresDeployment
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sortedKeys(set map[string]bool) []string {
	res := make([]string, 0, len(set))
	for k, ok := range set {
		if ok {
			res = append(res, k)
		}
	}
	sort.Strings(res)
	return res
}
