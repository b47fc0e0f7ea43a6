package deployment

import (
	"time"

	"deployline/internal/protocol"
)

type DeviceStatusKind string

const (
	DeviceUnregistered      DeviceStatusKind = "unregistered"
	DeviceRegistered        DeviceStatusKind = "registered"
	DeviceDeployed          DeviceStatusKind = "deployed"
	DeviceNeedsRedeployment DeviceStatusKind = "needs_redeployment"
)

// DeviceStatus is the derived deployment status of a single device. The
// remaining role name sets are empty for deployed devices.
type DeviceStatus struct {
	Kind                                DeviceStatusKind `json:"status" enum:"unregistered,registered,deployed,needs_redeployment"`
	Device                              protocol.Device  `json:"device"`
	CanBeDeployed                       bool             `json:"can_be_deployed"`
	RemainingToObtainDeployment         []string         `json:"remaining_devices_to_register_to_obtain_deployment,omitempty"`
	RemainingToRegisterBeforeDeployment []string         `json:"remaining_devices_to_register_before_deployment,omitempty"`
}

// CanObtainDeployment reports whether a deployment package can be assembled
// for the device.
func (s DeviceStatus) CanObtainDeployment() bool {
	return s.CanBeDeployed && len(s.RemainingToObtainDeployment) == 0
}

// ReadyForDeployment reports whether the device may confirm it is deployed.
func (s DeviceStatus) ReadyForDeployment() bool {
	return s.CanBeDeployed && len(s.RemainingToRegisterBeforeDeployment) == 0
}

type StatusKind string

const (
	StatusInvited          StatusKind = "invited"
	StatusDeployingDevices StatusKind = "deploying_devices"
	StatusRunning          StatusKind = "running"
	StatusStopped          StatusKind = "stopped"
)

// Status is the derived aggregate lifecycle state of a deployment.
type Status struct {
	Kind         StatusKind     `json:"status" enum:"invited,deploying_devices,running,stopped"`
	DeploymentID string         `json:"deployment_id"`
	CreatedOn    time.Time      `json:"created_on"`
	StartedOn    *time.Time     `json:"started_on,omitempty"`
	StoppedOn    *time.Time     `json:"stopped_on,omitempty"`
	Devices      []DeviceStatus `json:"devices"`
}

// Device returns the status of the device with the given role.
func (s Status) Device(role string) (DeviceStatus, bool) {
	for _, ds := range s.Devices {
		if ds.Device.RoleName == role {
			return ds, true
		}
	}
	return DeviceStatus{}, false
}

// DeviceStatus derives the current status of the device with the given role.
func (d *StudyDeployment) DeviceStatus(role string) (DeviceStatus, error) {
	dev, ok := d.blueprint.Device(role)
	if !ok {
		return DeviceStatus{}, d.fail(ErrValidation, role, "device is not part of the study protocol")
	}
	return d.deviceStatus(dev, d.registeredRoles()), nil
}

func (d *StudyDeployment) deviceStatus(dev protocol.Device, registered map[string]bool) DeviceStatus {
	role := dev.RoleName
	status := DeviceStatus{Device: dev, CanBeDeployed: dev.IsPrimary}
	switch {
	case d.invalidated[role]:
		status.Kind = DeviceNeedsRedeployment
	case d.deployed[role]:
		status.Kind = DeviceDeployed
		return status
	case registered[role]:
		status.Kind = DeviceRegistered
	default:
		status.Kind = DeviceUnregistered
	}

	// Lookups cannot fail: dev comes from the blueprint.
	dependents, _ := d.DependentDevices(role)
	toObtain := map[string]bool{role: !registered[role]}
	for _, dep := range dependents {
		if !registered[dep.RoleName] {
			toObtain[dep.RoleName] = true
		}
	}
	toRegister := map[string]bool{}
	for r, missing := range toObtain {
		toRegister[r] = missing
	}
	connected, _ := d.ConnectedDevices(role, true)
	for _, c := range connected {
		if !registered[c.RoleName] {
			toRegister[c.RoleName] = true
		}
	}
	status.RemainingToObtainDeployment = sortedKeys(toObtain)
	status.RemainingToRegisterBeforeDeployment = sortedKeys(toRegister)
	return status
}

// Status derives the aggregate deployment status. The checks form a strict
// priority chain: stopped, running, deploying devices, invited.
func (d *StudyDeployment) Status() Status {
	registered := d.registeredRoles()
	s := Status{
		DeploymentID: d.id,
		CreatedOn:    d.createdOn,
		StartedOn:    copyTime(d.startedOn),
		StoppedOn:    copyTime(d.stoppedOn),
		Devices:      make([]DeviceStatus, 0, len(d.blueprint.Devices)),
	}
	allRequiredDeployed := true
	anyDeployed := false
	anyActivity := false
	for _, dev := range d.blueprint.Devices {
		ds := d.deviceStatus(dev, registered)
		s.Devices = append(s.Devices, ds)
		if ds.Kind == DeviceDeployed {
			anyDeployed = true
		} else if d.requiresDeployment(dev.RoleName) {
			allRequiredDeployed = false
		}
		if ds.Kind != DeviceUnregistered {
			anyActivity = true
		}
	}

	switch {
	case d.IsStopped():
		s.Kind = StatusStopped
	case allRequiredDeployed && anyDeployed:
		s.Kind = StatusRunning
	case anyActivity:
		s.Kind = StatusDeployingDevices
	default:
		s.Kind = StatusInvited
	}
	return s
}
