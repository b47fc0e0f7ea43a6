package deployment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"deployline/internal/protocol"
)

var stampNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("deployline:device-deployment"))

// Package is everything a primary device needs to run its part of the study.
type Package struct {
	DeploymentID           string                        `json:"deployment_id"`
	Device                 protocol.Device               `json:"device"`
	Registration           DeviceRegistration            `json:"registration"`
	ConnectedDevices       []protocol.Device             `json:"connected_devices"`
	ConnectedRegistrations map[string]DeviceRegistration `json:"connected_device_registrations"`
	Tasks                  []protocol.Task               `json:"tasks"`
	Triggers               map[int]protocol.Trigger      `json:"triggers"`
	TaskControls           []protocol.TaskControl        `json:"task_controls"`
	ApplicationData        string                        `json:"application_data,omitempty"`
	LastUpdatedOn          time.Time                     `json:"last_updated_on"`
	Stamp                  string                        `json:"stamp"`
}

// DeviceDeployment assembles the package for the primary device with the
// given role. Repeated calls without a state change return equal packages.
func (d *StudyDeployment) DeviceDeployment(role string) (Package, error) {
	dev, ok := d.blueprint.Device(role)
	if !ok {
		return Package{}, d.fail(ErrValidation, role, "device is not part of the study protocol")
	}
	if !dev.IsPrimary {
		return Package{}, d.fail(ErrValidation, role, "only primary devices receive a deployment package")
	}
	registered := d.RegisteredDevices()
	status := d.deviceStatus(dev, d.registeredRoles())
	if !status.CanObtainDeployment() {
		return Package{}, d.fail(ErrPrecondition, role, "awaiting registration of %v", status.RemainingToObtainDeployment)
	}
	own, ok := registered[role]
	if !ok {
		return Package{}, d.fail(ErrPrecondition, role, "awaiting registration of [%s]", role)
	}

	connected := d.blueprint.ConnectedDevices(role)
	scope := map[string]bool{role: true}
	connectedRegs := map[string]DeviceRegistration{}
	for _, c := range connected {
		scope[c.RoleName] = true
		if reg, ok := registered[c.RoleName]; ok {
			connectedRegs[c.RoleName] = reg
		}
	}

	pkg := Package{
		DeploymentID:           d.id,
		Device:                 dev,
		Registration:           own,
		ConnectedDevices:       connected,
		ConnectedRegistrations: connectedRegs,
		Triggers:               d.triggersFor(scope),
		ApplicationData:        d.blueprint.ApplicationData,
	}
	if pkg.ConnectedDevices == nil {
		pkg.ConnectedDevices = []protocol.Device{}
	}
	pkg.Tasks = d.tasksFor(scope)
	pkg.TaskControls = []protocol.TaskControl{}
	for _, tc := range d.blueprint.TaskControls {
		if _, ok := pkg.Triggers[tc.TriggerID]; ok {
			pkg.TaskControls = append(pkg.TaskControls, tc)
		}
	}

	pkg.LastUpdatedOn = own.CreatedOn
	for _, reg := range connectedRegs {
		if reg.CreatedOn.After(pkg.LastUpdatedOn) {
			pkg.LastUpdatedOn = reg.CreatedOn
		}
	}
	stamp, err := packageStamp(d.id, role, own, connectedRegs)
	if err != nil {
		return Package{}, err
	}
	pkg.Stamp = stamp
	return pkg, nil
}

// Clone returns a copy of p that shares no maps or slices with it.
func (p Package) Clone() Package {
	p.Device = cloneDevice(p.Device)
	p.Registration = p.Registration.clone()
	connected := make([]protocol.Device, len(p.ConnectedDevices))
	for i, dev := range p.ConnectedDevices {
		connected[i] = cloneDevice(dev)
	}
	p.ConnectedDevices = connected
	regs := make(map[string]DeviceRegistration, len(p.ConnectedRegistrations))
	for role, reg := range p.ConnectedRegistrations {
		regs[role] = reg.clone()
	}
	p.ConnectedRegistrations = regs
	tasks := make([]protocol.Task, len(p.Tasks))
	for i, t := range p.Tasks {
		t.Properties = cloneProperties(t.Properties)
		tasks[i] = t
	}
	p.Tasks = tasks
	triggers := make(map[int]protocol.Trigger, len(p.Triggers))
	for id, t := range p.Triggers {
		t.Properties = cloneProperties(t.Properties)
		triggers[id] = t
	}
	p.Triggers = triggers
	p.TaskControls = append([]protocol.TaskControl{}, p.TaskControls...)
	return p
}

func cloneDevice(dev protocol.Device) protocol.Device {
	dev.Properties = cloneProperties(dev.Properties)
	return dev
}

// triggersFor returns the triggers sourced in scope. Triggers without a
// source device are included when one of their task controls targets scope.
func (d *StudyDeployment) triggersFor(scope map[string]bool) map[int]protocol.Trigger {
	targeted := map[int]bool{}
	for _, tc := range d.blueprint.TaskControls {
		if scope[tc.DestinationDeviceRoleName] {
			targeted[tc.TriggerID] = true
		}
	}
	res := map[int]protocol.Trigger{}
	for _, t := range d.blueprint.Triggers {
		if scope[t.SourceDeviceRoleName] || (t.SourceDeviceRoleName == "" && targeted[t.ID]) {
			res[t.ID] = t
		}
	}
	return res
}

// tasksFor returns the tasks started or stopped on a device in scope, in
// blueprint order.
func (d *StudyDeployment) tasksFor(scope map[string]bool) []protocol.Task {
	names := map[string]bool{}
	for _, tc := range d.blueprint.TaskControls {
		if scope[tc.DestinationDeviceRoleName] {
			names[tc.TaskName] = true
		}
	}
	res := []protocol.Task{}
	for _, t := range d.blueprint.Tasks {
		if names[t.Name] {
			res = append(res, t)
		}
	}
	return res
}

// packageStamp hashes the registration state a package is built from.
// encoding/json writes map keys sorted, so equal state gives equal bytes.
func packageStamp(deploymentID, role string, own DeviceRegistration, connected map[string]DeviceRegistration) (string, error) {
	data, err := json.Marshal(struct {
		DeploymentID string                        `json:"deployment_id"`
		Role         string                        `json:"role"`
		Registration DeviceRegistration            `json:"registration"`
		Connected    map[string]DeviceRegistration `json:"connected"`
	}{deploymentID, role, normalizeRegistration(own), normalizeAll(connected)})
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(stampNamespace, data).String(), nil
}

func normalizeRegistration(r DeviceRegistration) DeviceRegistration {
	r.CreatedOn = r.CreatedOn.UTC()
	return r
}

func normalizeAll(regs map[string]DeviceRegistration) map[string]DeviceRegistration {
	res := make(map[string]DeviceRegistration, len(regs))
	for k, r := range regs {
		res[k] = normalizeRegistration(r)
	}
	return res
}
