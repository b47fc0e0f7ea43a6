package deployment

import "deployline/internal/protocol"

// DependentDevices returns the devices that must be registered before role
// can obtain its deployment package.
//
// The blueprint does not expose which devices a primary device actually
// depends on (that would follow from which triggers target which devices),
// so every other device requiring deployment is treated as a dependency of
// every primary device. Connected devices have no dependents.
func (d *StudyDeployment) DependentDevices(role string) ([]protocol.Device, error) {
	dev, ok := d.blueprint.Device(role)
	if !ok {
		return nil, d.fail(ErrValidation, role, "device is not part of the study protocol")
	}
	if !dev.IsPrimary {
		return nil, nil
	}
	var res []protocol.Device
	for _, r := range d.registrable {
		if r.RequiresDeployment && r.Device.RoleName != role {
			res = append(res, r.Device)
		}
	}
	return res, nil
}

// ConnectedDevices returns the devices wired to role. With mandatoryOnly,
// optional devices are left out since they never block deployment.
func (d *StudyDeployment) ConnectedDevices(role string, mandatoryOnly bool) ([]protocol.Device, error) {
	if _, ok := d.blueprint.Device(role); !ok {
		return nil, d.fail(ErrValidation, role, "device is not part of the study protocol")
	}
	var res []protocol.Device
	for _, c := range d.blueprint.ConnectedDevices(role) {
		if mandatoryOnly && c.IsOptional {
			continue
		}
		res = append(res, c)
	}
	return res, nil
}

func containsRole(devices []protocol.Device, role string) bool {
	for _, dev := range devices {
		if dev.RoleName == role {
			return true
		}
	}
	return false
}
